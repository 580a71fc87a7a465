// Package validate checks produced artifacts against the embedded JSON
// schemas.
package validate

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/artifact"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/reconcile"
)

const schemaBase = "https://schemas.asrprogram.dev/"

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrUnknownSchema is returned for a document whose "schema" field names
// no known artifact type.
var ErrUnknownSchema = errors.New("unknown artifact schema")

var printer = message.NewPrinter(language.English)

var schemas = map[string]*jsonschema.Schema{
	reconcile.WordSchema:    mustCompile("wordset.json"),
	reconcile.SegmentSchema: mustCompile("segmentset.json"),
}

func mustCompile(name string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	for _, res := range []string{"common.json", name} {
		raw, err := schemaFS.ReadFile("schemas/" + res)
		if err != nil {
			panic(fmt.Sprintf("read embedded %s: %v", res, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("parse embedded %s: %v", res, err))
		}
		if err := compiler.AddResource(schemaBase+res, doc); err != nil {
			panic(fmt.Sprintf("add %s resource: %v", res, err))
		}
	}

	sch, err := compiler.Compile(schemaBase + name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return sch
}

// Bytes validates one artifact document. The schema is picked from the
// document's "schema" field. It returns the schema id and the violations,
// each formatted as "<json pointer>: <message>".
func Bytes(data []byte) (string, []string, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("parse JSON: %w", err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("%w: document is not an object", ErrUnknownSchema)
	}
	id, _ := obj["schema"].(string)
	sch, ok := schemas[id]
	if !ok {
		return id, nil, fmt.Errorf("%w: %q", ErrUnknownSchema, id)
	}

	return id, violations(sch.Validate(doc)), nil
}

// File validates the artifact at path.
func File(path string) (string, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Bytes(data)
}

// Dir validates every primary and secondary artifact in dir. Only files
// with violations or errors appear in the result.
func Dir(dir string) (map[string][]string, error) {
	var paths []string
	for _, suffix := range []string{artifact.WordsSuffix, artifact.SegmentsSuffix} {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	problems := make(map[string][]string)
	for _, path := range paths {
		_, errs, err := File(path)
		if err != nil {
			problems[path] = []string{err.Error()}
			continue
		}
		if len(errs) > 0 {
			problems[path] = errs
		}
	}
	return problems, nil
}

func violations(err error) []string {
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{fmt.Sprintf("schema: %v", err)}
	}
	var out []string
	collect(ve, &out)
	return out
}

func collect(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(printer)))
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}
