package main

import (
	"fmt"
	"strings"

	"github.com/matheus3301/imcore/internal/store"
)

// parseSession turns "type:id" into the wire form of a session key.
func parseSession(s string) (map[string]any, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("session must look like type:id, got %q", s)
	}
	if !store.SessionType(typ).Valid() {
		return nil, fmt.Errorf("unknown session type %q", typ)
	}
	return map[string]any{"sessionId": id, "sessionType": typ}, nil
}

func formatSession(v any) string {
	m, _ := v.(map[string]any)
	return fmt.Sprintf("%v:%v", m["sessionType"], m["sessionId"])
}
