package cloud

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSSEReader(t *testing.T) {
	stream := strings.Join([]string{
		": comment",
		"event: put",
		`data: {"path":"/","data":{"feedCount":7}}`,
		"",
		"",
		"event: keep-alive",
		"data: null",
		"",
		"event: patch",
		`data: {"path":"/timers",`,
		`data: "data":{"timer0":null}}`,
		"",
		"event: cancel",
		"data: permission denied",
	}, "\n")

	r := newSSEReader(strings.NewReader(stream))

	want := []sseMessage{
		{event: "put", data: `{"path":"/","data":{"feedCount":7}}`},
		{event: "keep-alive", data: "null"},
		{event: "patch", data: "{\"path\":\"/timers\",\n\"data\":{\"timer0\":null}}"},
		{event: "cancel", data: "permission denied"},
	}

	for i, w := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("event %d: unexpected error %v", i, err)
		}
		if got != w {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}
