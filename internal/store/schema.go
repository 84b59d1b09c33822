package store

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const (
	metadataSchemaFile = "schemas/metadata.schema.json"
	userSchemaFile     = "schemas/user.schema.json"

	schemaBaseURL     = "https://gitkv.stacklok.dev/"
	metadataSchemaURL = schemaBaseURL + metadataSchemaFile
	userSchemaURL     = schemaBaseURL + userSchemaFile
)

var (
	schemasOnce    sync.Once
	metadataSchema *jsonschema.Schema
	userSchema     *jsonschema.Schema
	errSchemas     error
)

// compileSchemas registers each embedded schema under its $id, so that
// nothing resolves against the working directory.
func compileSchemas() {
	c := jsonschema.NewCompiler()
	for _, name := range []string{metadataSchemaFile, userSchemaFile} {
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			errSchemas = fmt.Errorf("failed to read %s: %w", name, err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			errSchemas = fmt.Errorf("failed to parse %s: %w", name, err)
			return
		}
		if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
			errSchemas = fmt.Errorf("failed to add %s: %w", name, err)
			return
		}
	}
	if metadataSchema, errSchemas = c.Compile(metadataSchemaURL); errSchemas != nil {
		return
	}
	userSchema, errSchemas = c.Compile(userSchemaURL)
}

// flatten turns a schema validation error into one line listing every
// failing instance location. Reasons end up in git report-status lines.
func flatten(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	var reasons []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			reasons = append(reasons, strings.Join(strings.Fields(e.Error()), " "))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return errors.New(strings.Join(reasons, "; "))
}

func validate(schema func() *jsonschema.Schema, path, ref string, data []byte) error {
	schemasOnce.Do(compileSchemas)
	if errSchemas != nil {
		return fmt.Errorf("failed to compile schemas: %w", errSchemas)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Path: path, Ref: ref, Err: fmt.Errorf("malformed JSON: %s", strings.Join(strings.Fields(err.Error()), " "))}
	}
	if err := schema().Validate(inst); err != nil {
		return &ValidationError{Path: path, Ref: ref, Err: flatten(err)}
	}
	return nil
}

// ValidateMetaData checks a metadata document against the metadata schema.
// path and ref only label the returned *ValidationError.
func ValidateMetaData(path, ref string, data []byte) error {
	return validate(func() *jsonschema.Schema { return metadataSchema }, path, ref, data)
}

// ValidateUserData checks a user record against the user schema.
func ValidateUserData(path, ref string, data []byte) error {
	return validate(func() *jsonschema.Schema { return userSchema }, path, ref, data)
}
