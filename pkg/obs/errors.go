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
	"errors"
	"fmt"
)

// ErrUnavailable is returned when the circuit breaker is open and the backend
// is not being called. Stats getters translate it into zero-valued fallbacks.
var ErrUnavailable = errors.New("observability backend unavailable")

// ErrBackend is a non-retryable backend contract violation (4xx other than
// 429). The body is truncated for logging.
type ErrBackend struct {
	Status int
	Body   string
}

func (e *ErrBackend) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// ErrShape reports a payload whose JSON shape does not match the backend
// contract. Pipeline consumers skip the item and count it; ErrShape never
// stops ingestion.
type ErrShape struct {
	Detail string
}

func (e *ErrShape) Error() string {
	return fmt.Sprintf("unexpected payload shape: %s", e.Detail)
}

// IsShapeError reports whether err is (or wraps) an ErrShape.
func IsShapeError(err error) bool {
	var se *ErrShape
	return errors.As(err, &se)
}

// IsBackendError reports whether err is (or wraps) an ErrBackend, returning
// the typed error when it is.
func IsBackendError(err error) (*ErrBackend, bool) {
	var be *ErrBackend
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// truncateBody bounds response bodies kept in errors and logs.
func truncateBody(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
