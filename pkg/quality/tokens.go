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
package quality

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/perch/pkg/obs"
)

// tokenEstimator counts tokens with tiktoken's cl100k_base encoding, a close
// approximation across the provider families we track.
type tokenEstimator struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalEstimator *tokenEstimator
	estimatorOnce   sync.Once
)

func getEstimator() *tokenEstimator {
	estimatorOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Char-based estimation still beats reporting zero.
			globalEstimator = &tokenEstimator{encoder: nil}
			return
		}
		globalEstimator = &tokenEstimator{encoder: tkm}
	})
	return globalEstimator
}

// CountTokens returns the token count for a text.
func (te *tokenEstimator) CountTokens(text string) int {
	if te.encoder == nil {
		return len(text) / 4
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	return len(te.encoder.Encode(text, nil, nil))
}

// EstimateTokens counts tokens in a text with the shared estimator.
func EstimateTokens(text string) int {
	return getEstimator().CountTokens(text)
}

// runTokens prefers the backend's reported counts, then falls back to
// estimating from the run's inputs and outputs.
func runTokens(run obs.Run) int {
	if run.TotalTokens > 0 {
		return run.TotalTokens
	}
	if run.PromptTokens > 0 || run.CompletionTokens > 0 {
		return run.PromptTokens + run.CompletionTokens
	}

	total := 0
	for _, v := range run.Inputs {
		total += EstimateTokens(fmt.Sprint(v))
	}
	for _, v := range run.Outputs {
		total += EstimateTokens(fmt.Sprint(v))
	}
	return total
}
