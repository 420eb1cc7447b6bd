// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package obs

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// runsPayloadSchema is the shape contract for the /runs listing response.
// The backend has been observed returning both {"runs": [...]} and a bare
// array; anything else is a shape error that the pipeline skips and counts.
const runsPayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "oneOf": [
    {
      "type": "object",
      "required": ["runs"],
      "properties": {
        "runs": {"$ref": "#/definitions/runList"}
      }
    },
    {"$ref": "#/definitions/runList"}
  ],
  "definitions": {
    "runList": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "session_name": {"type": "string"},
          "status": {"type": "string"},
          "feedback_scores": {"type": "object"},
          "extra_metadata": {"type": "object"}
        }
      }
    }
  }
}`

var runsSchema = gojsonschema.NewStringLoader(runsPayloadSchema)

// validateRunsPayload checks a raw /runs response against the shape contract
// before decoding. Violations come back as *ErrShape.
func validateRunsPayload(raw []byte) error {
	result, err := gojsonschema.Validate(runsSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ErrShape{Detail: fmt.Sprintf("payload is not valid JSON: %v", err)}
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			details = append(details, verr.String())
		}
		return &ErrShape{Detail: strings.Join(details, "; ")}
	}

	return nil
}
