package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personashift/shared/config"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Decision
		wantErr bool
	}{
		{
			name: "plain switch",
			raw:  `{"action":"switch","new_persona":"MySQL Backend","reason":"sql probing"}`,
			want: Decision{Action: ActionSwitch, NewPersona: "MySQL Backend", Reason: "sql probing"},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"action\": \"stay\", \"reason\": \"benign\"}\n```",
			want: Decision{Action: ActionStay, Reason: "benign"},
		},
		{
			name: "single quotes",
			raw:  "{'action': 'switch', 'new_persona': 'IoT Hub', 'reason': 'firmware'}",
			want: Decision{Action: ActionSwitch, NewPersona: "IoT Hub", Reason: "firmware"},
		},
		{
			name: "apostrophe in reason",
			raw:  `{"action":"stay","reason":"attacker's recon is generic"}`,
			want: Decision{Action: ActionStay, Reason: "attacker's recon is generic"},
		},
		{
			name: "prose around json",
			raw:  "Sure! {\"action\":\"SWITCH\",\"new_persona\":\"C2 Panel\",\"reason\":\"beacons\"} hope that helps",
			want: Decision{Action: ActionSwitch, NewPersona: "C2 Panel", Reason: "beacons"},
		},
		{
			name: "stay drops persona",
			raw:  `{"action":"stay","new_persona":"IoT Hub","reason":"x"}`,
			want: Decision{Action: ActionStay, Reason: "x"},
		},
		{name: "not json", raw: "I think you should switch", wantErr: true},
		{name: "missing action", raw: `{"new_persona":"IoT Hub"}`, wantErr: true},
		{name: "switch without persona", raw: `{"action":"switch","reason":"x"}`, wantErr: true},
		{name: "unknown action", raw: `{"action":"maybe"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecision(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedDecision)
				assert.ErrorIs(t, err, ErrUnavailable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPromptUsesTrailingContext(t *testing.T) {
	var window []Interaction
	for i := 0; i < 15; i++ {
		window = append(window, Interaction{Protocol: "ssh", Content: "cmd" + string(rune('a'+i))})
	}
	p := BuildPrompt(Request{CurrentPersona: "Linux Dev Server", Personas: []string{"Linux Dev Server", "IoT Hub"}, Window: window}, 10)
	assert.NotContains(t, p, "[ssh] cmde\n")
	assert.Contains(t, p, "[ssh] cmdf\n")
	assert.Contains(t, p, "[ssh] cmdo\n")
	assert.Contains(t, p, "Current persona: Linux Dev Server")
	assert.Contains(t, p, "Available personas: Linux Dev Server, IoT Hub")

	empty := BuildPrompt(Request{CurrentPersona: "x"}, 10)
	assert.Contains(t, empty, "(no interactions yet)")
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Decide(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{}, nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestFromConfig(t *testing.T) {
	assert.IsType(t, Disabled{}, FromConfig(config.OracleConfig{Enabled: false, APIKey: "k"}, 10, nil))
	assert.IsType(t, Disabled{}, FromConfig(config.OracleConfig{Enabled: true}, 10, nil))
	assert.IsType(t, &OpenAI{}, FromConfig(config.OracleConfig{Enabled: true, APIKey: "k", Timeout: time.Second}, 10, nil))
}

func completionServer(t *testing.T, status int, content string, hits *int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "gpt-4", body["model"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIDecide(t *testing.T) {
	var hits int32
	srv := completionServer(t, http.StatusOK, `{"action":"switch","new_persona":"MySQL Backend","reason":"db recon"}`, &hits, 0)

	o, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)

	d, err := o.Decide(context.Background(), Request{SessionID: "s1", CurrentPersona: "Linux Dev Server",
		Window: []Interaction{{Protocol: "ssh", Content: "mysql -u root"}}})
	require.NoError(t, err)
	assert.Equal(t, Decision{Action: ActionSwitch, NewPersona: "MySQL Backend", Reason: "db recon"}, d)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestOpenAIMalformedReply(t *testing.T) {
	var hits int32
	srv := completionServer(t, http.StatusOK, "no idea", &hits, 0)
	o, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, nil)
	require.NoError(t, err)

	_, err = o.Decide(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMalformedDecision)
}

func TestOpenAITimeout(t *testing.T) {
	var hits int32
	srv := completionServer(t, http.StatusOK, `{"action":"stay"}`, &hits, 2*time.Second)
	o, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = o.Decide(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpenAICircuitOpensAfterFailures(t *testing.T) {
	var hits int32
	srv := completionServer(t, http.StatusInternalServerError, "", &hits, 0)
	o, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", FailureThreshold: 2, Cooldown: time.Minute}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = o.Decide(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err = o.Decide(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
