package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func newClient(t *testing.T, status int, reply string) (*anthropic.Client, *string) {
	t.Helper()
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		model = req.Model
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		fmt.Fprintf(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "m",
			"content": [{"type": "text", "text": %q}],
			"stop_reason": "end_turn", "stop_sequence": null,
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`, reply)
	}))
	t.Cleanup(srv.Close)

	client := anthropic.NewClient(
		option.WithAPIKey("test"),
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0),
	)
	return &client, &model
}

func TestScore(t *testing.T) {
	client, model := newClient(t, http.StatusOK, "0.72")
	a := New(client, Config{})

	q, err := a.Score(context.Background(), &core.Episode{TaskDescription: "rotate keys"})
	require.NoError(t, err)
	assert.InDelta(t, 0.72, q, 1e-9)
	assert.Equal(t, DefaultModel, *model)
}

func TestScoreRateLimited(t *testing.T) {
	client, _ := newClient(t, http.StatusTooManyRequests, "")
	_, err := New(client, Config{Model: "custom"}).Score(context.Background(), &core.Episode{TaskDescription: "x"})

	var pe *core.ProviderError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, core.ProviderRateLimited, pe.Kind)
}

func TestParseScore(t *testing.T) {
	cases := []struct {
		reply string
		want  float64
		err   bool
	}{
		{"0.4", 0.4, false},
		{"Score: .9", 0.9, false},
		{"I'd say 1", 1, false},
		{"7/10", 0.7, false},
		{"250", 0, true},
		{"no idea", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.reply, func(t *testing.T) {
			got, err := parseScore(tc.reply)
			if tc.err {
				assert.ErrorIs(t, err, core.ErrProvider)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}
