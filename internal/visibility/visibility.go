// Package visibility decides which messages a viewer may see.
package visibility

import (
	"time"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Viewer is the per-user state that hides messages: the messages the user
// deleted for themselves and the conversation's hidden_since watermark.
type Viewer struct {
	UserID      uint
	HiddenSince *time.Time
	Deleted     map[uint]struct{}
}

// NewViewer builds a Viewer from a participant row. p may be nil when the user
// holds no participant row.
func NewViewer(userID uint, p *model.Participant, deleted map[uint]struct{}) Viewer {
	v := Viewer{UserID: userID, Deleted: deleted}
	if p != nil {
		v.HiddenSince = p.HiddenSince
	}
	return v
}

// Visible reports whether m is visible to the viewer. A message stamped
// exactly at hidden_since is hidden.
func (v Viewer) Visible(m *model.Message) bool {
	if m == nil {
		return false
	}
	if _, gone := v.Deleted[m.ID]; gone {
		return false
	}
	if v.HiddenSince != nil && !m.CreatedAt.After(*v.HiddenSince) {
		return false
	}
	return true
}

// Filter returns the visible messages, preserving order. The input is not
// modified.
func Filter(msgs []model.Message, v Viewer) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for i := range msgs {
		if v.Visible(&msgs[i]) {
			out = append(out, msgs[i])
		}
	}
	return out
}
