package files

import (
	"path"
	"strings"
)

type kind struct {
	language string
	category string
}

var extensions = map[string]kind{
	".html": {"html", "markup"},
	".htm":  {"html", "markup"},
	".xml":  {"xml", "markup"},
	".svg":  {"svg", "asset"},
	".css":  {"css", "style"},
	".scss": {"scss", "style"},
	".js":   {"javascript", "script"},
	".mjs":  {"javascript", "script"},
	".jsx":  {"javascript", "component"},
	".ts":   {"typescript", "script"},
	".tsx":  {"typescript", "component"},
	".vue":  {"vue", "component"},
	".json": {"json", "data"},
	".yaml": {"yaml", "config"},
	".yml":  {"yaml", "config"},
	".toml": {"toml", "config"},
	".md":   {"markdown", "document"},
	".txt":  {"text", "document"},
	".py":   {"python", "script"},
	".go":   {"go", "source"},
	".sh":   {"shell", "script"},
}

// Infer returns the language and category implied by a filename's
// extension. Unknown extensions map to "text" and "other".
func Infer(filename string) (language, category string) {
	k, ok := extensions[strings.ToLower(path.Ext(filename))]
	if !ok {
		return "text", "other"
	}
	return k.language, k.category
}
