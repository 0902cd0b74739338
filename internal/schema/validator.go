/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package schema validates write-endpoint request bodies against embedded
// JSON Schema documents before they reach handler decode logic.
package schema

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.schema.json
var schemaFiles embed.FS

// Name identifies one of the embedded request schemas.
type Name string

const (
	Analyze  Name = "analyze"
	Feedback Name = "feedback"
	Release  Name = "release"
	Rollback Name = "rollback"
)

// Validator validates raw JSON request bodies against the embedded schema
// registered under each Name. The schema documents are read once at
// construction and compiled on every Validate call; Validate never touches
// the network or the filesystem.
type Validator struct {
	loaders map[Name]gojsonschema.JSONLoader
}

// NewValidator loads the embedded request schemas. It panics if any schema
// file is missing from the embedded set, since that is a build-time defect,
// not a runtime condition callers can recover from. Schema contents are not
// parsed here; a malformed schema surfaces as an error from Validate.
func NewValidator() *Validator {
	v := &Validator{loaders: make(map[Name]gojsonschema.JSONLoader)}
	for _, name := range []Name{Analyze, Feedback, Release, Rollback} {
		data, err := schemaFiles.ReadFile(fmt.Sprintf("schemas/%s.schema.json", name))
		if err != nil {
			panic(fmt.Sprintf("schema: embedded schema %q missing: %v", name, err))
		}
		v.loaders[name] = gojsonschema.NewBytesLoader(data)
	}
	return v
}

// Validate checks body against the schema registered under name. A nil or
// empty body is treated as "nothing to validate" - callers that require a
// non-empty body enforce that separately, since an empty body is a distinct
// failure from a body that violates the schema's shape.
func (v *Validator) Validate(name Name, body []byte) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}

	loader, ok := v.loaders[name]
	if !ok {
		return fmt.Errorf("schema: no schema registered for %q", name)
	}

	result, err := gojsonschema.Validate(loader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema: %s: malformed JSON: %w", name, err)
	}
	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			descs = append(descs, e.String())
		}
		return fmt.Errorf("schema: %s: %s", name, strings.Join(descs, "; "))
	}
	return nil
}
