package store

import (
	"context"
	"fmt"
	"strings"
)

// SearchMessages finds text messages containing keyword, newest first.
// An empty session key searches every conversation.
func (db *DB) SearchMessages(ctx context.Context, keyword string, key SessionKey, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE revoked = 0 AND content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(keyword) + "%"}
	if key.ID != "" {
		q += " AND session_id = ? AND session_type = ?"
		args = append(args, key.ID, key.Type)
	}
	q += " ORDER BY time DESC, uuid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Content, keyword, 32)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns up to width bytes on each side of the first match, with the
// match wrapped in << >>.
func snippet(content, keyword string, width int) string {
	idx := strings.Index(content, keyword)
	if idx < 0 && len(strings.ToLower(content)) == len(content) {
		idx = strings.Index(strings.ToLower(content), strings.ToLower(keyword))
	}
	if idx < 0 || idx+len(keyword) > len(content) {
		return content
	}
	start := max(idx-width, 0)
	end := min(idx+len(keyword)+width, len(content))
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(content[start:idx])
	b.WriteString("<<")
	b.WriteString(content[idx : idx+len(keyword)])
	b.WriteString(">>")
	b.WriteString(content[idx+len(keyword) : end])
	if end < len(content) {
		b.WriteString("...")
	}
	return b.String()
}
