package chat

import (
	"sort"
	"time"

	"github.com/golang/glog"

	"storefront/internal/v2/types"
)

// Snapshot is an immutable copy of a transcript handed to listeners and callers
type Snapshot struct {
	OrderID  int64           `json:"order_id"`
	Version  uint64          `json:"version"`
	Cursor   types.Cursor    `json:"-"`
	Messages []types.Message `json:"messages"`
}

type entry struct {
	msg types.Message
	seq uint64 // arrival order, breaks created_at ties
}

// Transcript is the state object behind one order chat. Every mutation is a discrete
// transition (history, poll result, pending insert, confirm, revert) so it can be
// driven without any network or rendering. It is not safe for concurrent use;
// Session serialises access.
type Transcript struct {
	orderID int64
	byID    map[string]*entry
	// correlation token -> id of the live placeholder
	tokens  map[string]string
	ordered []*entry
	cursor  types.Cursor
	seq     uint64
	version uint64
}

func NewTranscript(orderID int64) *Transcript {
	return &Transcript{
		orderID: orderID,
		byID:    make(map[string]*entry),
		tokens:  make(map[string]string),
	}
}

func (t *Transcript) OrderID() int64 { return t.orderID }

func (t *Transcript) Cursor() types.Cursor { return t.cursor }

func (t *Transcript) Len() int { return len(t.ordered) }

func (t *Transcript) Version() uint64 { return t.version }

// ApplyHistory merges the initial full history fetch.
func (t *Transcript) ApplyHistory(msgs []types.Message) int {
	return t.merge(msgs)
}

// ApplyPoll merges one long-poll result and returns how many entries changed.
func (t *Transcript) ApplyPoll(msgs []types.Message) int {
	return t.merge(msgs)
}

func (t *Transcript) merge(msgs []types.Message) int {
	changed := 0
	for _, m := range msgs {
		if m.ID == "" || m.IsTemporary() {
			glog.Warningf("order %d: ignoring server message without a server id", t.orderID)
			continue
		}
		if m.OrderID != 0 && m.OrderID != t.orderID {
			glog.Warningf("order %d: ignoring message %s of order %d", t.orderID, m.ID, m.OrderID)
			continue
		}
		m.OrderID = t.orderID
		m.Pending = false
		t.cursor = t.cursor.Advance(m.CreatedAt)

		if _, ok := t.byID[m.ID]; ok {
			// the confirmation may still own a placeholder if the poll raced the send response
			if tmpID, ok := t.tokens[m.ClientToken]; ok && m.ClientToken != "" {
				t.remove(tmpID)
				delete(t.tokens, m.ClientToken)
				changed++
			}
			continue
		}
		if tmpID, ok := t.tokens[m.ClientToken]; ok && m.ClientToken != "" {
			t.replace(tmpID, m)
			delete(t.tokens, m.ClientToken)
			changed++
			continue
		}
		t.append(m)
		changed++
	}
	if changed > 0 {
		t.resort()
		t.version++
	}
	return changed
}

// InsertPending adds an optimistic message. Its temporary id doubles as the correlation token.
func (t *Transcript) InsertPending(content string, author types.AuthorKind, now time.Time) types.Message {
	id := types.NewTempID(now)
	m := types.Message{
		ID:          id,
		OrderID:     t.orderID,
		AuthorKind:  author,
		Content:     content,
		CreatedAt:   now,
		Pending:     true,
		ClientToken: id,
	}
	t.append(m)
	t.tokens[id] = id
	t.resort()
	t.version++
	return m
}

// Confirm reconciles the send response with its placeholder by token.
// A confirmation whose server id is already present only drops the placeholder.
func (t *Transcript) Confirm(token string, m types.Message) bool {
	if m.ID == "" {
		return t.Revert(token)
	}
	m.OrderID = t.orderID
	m.Pending = false
	tmpID, hasPlaceholder := t.tokens[token]
	delete(t.tokens, token)

	switch _, known := t.byID[m.ID]; {
	case known && hasPlaceholder:
		t.remove(tmpID)
	case known:
		return false
	case hasPlaceholder:
		t.replace(tmpID, m)
	default:
		// placeholder already gone, e.g. reverted; the server still stored it
		t.append(m)
	}
	t.resort()
	t.version++
	return true
}

// Revert drops a placeholder whose send failed
func (t *Transcript) Revert(token string) bool {
	tmpID, ok := t.tokens[token]
	if !ok {
		return false
	}
	delete(t.tokens, token)
	t.remove(tmpID)
	t.version++
	return true
}

func (t *Transcript) Messages() []types.Message {
	out := make([]types.Message, len(t.ordered))
	for i, e := range t.ordered {
		out[i] = e.msg
	}
	return out
}

func (t *Transcript) Snapshot() Snapshot {
	return Snapshot{
		OrderID:  t.orderID,
		Version:  t.version,
		Cursor:   t.cursor,
		Messages: t.Messages(),
	}
}

// PendingCount returns the number of placeholders still awaiting confirmation
func (t *Transcript) PendingCount() int {
	return len(t.tokens)
}

func (t *Transcript) append(m types.Message) {
	t.seq++
	e := &entry{msg: m, seq: t.seq}
	t.byID[m.ID] = e
	t.ordered = append(t.ordered, e)
}

// replace swaps the placeholder for its confirmed message in place, keeping its arrival seq
func (t *Transcript) replace(tmpID string, m types.Message) {
	e, ok := t.byID[tmpID]
	if !ok {
		t.append(m)
		return
	}
	delete(t.byID, tmpID)
	e.msg = m
	t.byID[m.ID] = e
}

func (t *Transcript) remove(id string) {
	e, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	for i, o := range t.ordered {
		if o == e {
			t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
			break
		}
	}
}

func (t *Transcript) resort() {
	sort.SliceStable(t.ordered, func(i, j int) bool {
		a, b := t.ordered[i], t.ordered[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
}
