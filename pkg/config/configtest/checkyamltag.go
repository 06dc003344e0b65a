// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// CheckYAMLTags reports every field reachable from config that would be marshalled even
// when empty. Booleans, inlined structs, skipped fields and fields tagged
// `config:"allowempty"` are exempt.
func CheckYAMLTags(config any) error {
	t := reflect.TypeOf(config)
	w := &tagWalker{visited: make(map[reflect.Type]bool)}
	w.walk(t, t.Name())
	return w.errs
}

type tagWalker struct {
	visited map[reflect.Type]bool
	errs    error
}

func (w *tagWalker) walk(t reflect.Type, path string) {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || w.visited[t] {
		return
	}
	w.visited[t] = true

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Type.Kind() == reflect.Bool || field.Tag.Get("config") == "allowempty" {
			continue
		}

		name, opts, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		fieldPath := path + "." + name

		options := strings.Split(opts, ",")
		if !slices.Contains(options, "omitempty") && !slices.Contains(options, "inline") {
			w.errs = multierr.Append(w.errs, fmt.Errorf("%s: missing omitempty", fieldPath))
		}
		w.walk(field.Type, fieldPath)
	}
}
