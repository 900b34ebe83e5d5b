package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		parts []string
		want  string
	}{
		{name: "bare object", parts: []string{`{"a":1}`}, want: `{"a":1}`},
		{name: "fenced json", parts: []string{"Sure:\n```json\n{\"a\":2}\n```\nDone."}, want: `{"a":2}`},
		{name: "fenced without language", parts: []string{"```\n{\"a\":3}\n```"}, want: `{"a":3}`},
		{name: "leading prose", parts: []string{`The verdict is {"a":4} as requested.`}, want: `{"a":4}`},
		{name: "thinking part first", parts: []string{"Let me think about point {p1}...", `{"a":5}`}, want: `{"a":5}`},
		{name: "think tags", parts: []string{"<think>{\"draft\":true}</think>\n{\"a\":6}"}, want: `{"a":6}`},
		{name: "array skipped", parts: []string{`[{"inner":1}] then {"a":7}`}, want: `{"a":7}`},
		{name: "split across parts", parts: []string{`{"a":`, `8}`}, want: `{"a":8}`},
		{name: "nested braces", parts: []string{`x {"a":{"b":"}"}} y`}, want: `{"a":{"b":"}"}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractJSONObject(tc.parts)
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			var gotV, wantV any
			_ = json.Unmarshal(got, &gotV)
			_ = json.Unmarshal([]byte(tc.want), &wantV)
			gotB, _ := json.Marshal(gotV)
			wantB, _ := json.Marshal(wantV)
			if string(gotB) != string(wantB) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestExtractJSONObjectRejectsNonObjects(t *testing.T) {
	t.Parallel()

	for _, parts := range [][]string{
		{`[1,2,3]`},
		{`"just a string"`},
		{`42`},
		{`no json here`},
		{`[{"only":"inside an array"}]`},
		{},
	} {
		if _, err := ExtractJSONObject(parts); !errors.Is(err, ErrNoJSONObject) {
			t.Fatalf("parts %q: expected ErrNoJSONObject, got %v", parts, err)
		}
	}
}

func TestExtractAcceptedObjectSkipsRejected(t *testing.T) {
	t.Parallel()

	wantKey := func(raw json.RawMessage) error {
		if !strings.Contains(string(raw), `"score"`) {
			return errors.New("missing score")
		}
		return nil
	}
	got, err := ExtractAcceptedObject([]string{`{"note":"x"} then {"score":2}`}, wantKey)
	if err != nil || string(got) != `{"score":2}` {
		t.Fatalf("expected second object, got %s (%v)", got, err)
	}

	_, err = ExtractAcceptedObject([]string{`{"note":"x"}`}, wantKey)
	if err == nil || errors.Is(err, ErrNoJSONObject) || !strings.Contains(err.Error(), "missing score") {
		t.Fatalf("expected the rejection to surface, got %v", err)
	}
}
