package runner

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// TestSource is the declaration of a test function.
type TestSource struct {
	File   string
	Line   int
	Doc    string
	Source string
}

// FindTest looks for func name(...) in the _test.go files of dir.
func FindTest(dir, name string) (*TestSource, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*_test.go"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	fset := token.NewFileSet()
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		f, err := parser.ParseFile(fset, path, data, parser.ParseComments)
		if err != nil {
			continue
		}
		for _, decl := range f.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || fn.Name.Name != name {
				continue
			}
			start := fset.Position(fn.Pos())
			if fn.Doc != nil {
				start = fset.Position(fn.Doc.Pos())
			}
			end := fset.Position(fn.End())
			return &TestSource{
				File:   path,
				Line:   fset.Position(fn.Pos()).Line,
				Doc:    strings.TrimSpace(fn.Doc.Text()),
				Source: string(data[start.Offset:end.Offset]),
			}, nil
		}
	}
	return nil, fmt.Errorf("test %s not found in %s", name, dir)
}

// SourceIndex caches test lookups per package.
type SourceIndex struct {
	mu    sync.Mutex
	dirs  map[string]string
	cache map[string]*TestSource
}

func NewSourceIndex(dirs map[string]string) *SourceIndex {
	if dirs == nil {
		dirs = make(map[string]string)
	}
	return &SourceIndex{dirs: dirs, cache: make(map[string]*TestSource)}
}

// Lookup returns nil when the package directory is unknown or the test
// cannot be found.
func (s *SourceIndex) Lookup(pkg, test string) *TestSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pkg + "." + test
	if src, ok := s.cache[key]; ok {
		return src
	}
	dir, ok := s.dirs[pkg]
	if !ok {
		return nil
	}
	src, err := FindTest(dir, test)
	if err != nil {
		src = nil
	}
	s.cache[key] = src
	return src
}
