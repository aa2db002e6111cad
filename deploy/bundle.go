// Package deploy sends compiled programs and their assets to a device.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Asset is a file the program expects to find in device Storage.
type Asset struct {
	FileName string
	Source   []byte
}

// Bundle is the output of a Compiler: source text to evaluate plus the assets it references.
// Both are opaque to this package.
type Bundle struct {
	Code   string
	Assets []Asset
}

func (b *Bundle) Size() int {
	n := len(b.Code)
	for _, a := range b.Assets {
		n += len(a.Source)
	}
	return n
}

// Compiler turns entry modules into a Bundle.
type Compiler interface {
	Compile(ctx context.Context, entries []string) (*Bundle, error)
}

// FileCompiler uses files that were already built by an external bundler.
// The entries are concatenated into the code; Assets are read as-is and stored under their base names.
type FileCompiler struct {
	Assets []string
}

func (c *FileCompiler) Compile(ctx context.Context, entries []string) (*Bundle, error) {
	if len(entries) == 0 {
		return nil, errors.New("no entry files given")
	}
	var code strings.Builder
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(e)
		if err != nil {
			return nil, fmt.Errorf("reading entry %s: %w", e, err)
		}
		code.Write(b)
		if len(b) > 0 && b[len(b)-1] != '\n' {
			code.WriteByte('\n')
		}
	}

	bundle := &Bundle{Code: code.String()}
	for _, a := range c.Assets {
		b, err := os.ReadFile(a)
		if err != nil {
			return nil, fmt.Errorf("reading asset %s: %w", a, err)
		}
		bundle.Assets = append(bundle.Assets, Asset{FileName: filepath.Base(a), Source: b})
	}
	return bundle, nil
}
