package occa

import (
	"path/filepath"
	"strings"
)

// Language of a kernel source.
type Language string

const (
	// OKL is the portable C-like kernel language, it needs translation.
	OKL Language = "OKL"

	// OFL is the portable Fortran-like kernel language, it needs translation.
	OFL Language = "OFL"

	// Native sources are given directly to the backend compiler.
	Native Language = "Native"
)

// languageExtensions maps languages to the extension of their source files.
var languageExtensions = map[Language]string{
	OKL:    ".okl",
	OFL:    ".ofl",
	Native: ".native",
}

// ParseLanguage returns the language with the given name (in any case). Unknown names are OKL.
func ParseLanguage(name string) Language {
	for language := range languageExtensions {
		if strings.EqualFold(string(language), name) {
			return language
		}
	}
	return OKL
}

// SourceFile returns the canonical file name for sources of the language given as strings.
func (l Language) SourceFile() string {
	ext, found := languageExtensions[l]
	if !found {
		ext = languageExtensions[OKL]
	}
	return "source" + ext
}

// NeedsTranslation returns whether the source file is in one of the portable kernel languages, and needs to be
// translated before being compiled by a backend.
func NeedsTranslation(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case languageExtensions[OKL], languageExtensions[OFL]:
		return true
	}
	return false
}
