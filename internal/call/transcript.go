package call

// Role attributes a transcript entry to one side of the conversation.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) Valid() bool { return r == RoleAssistant || r == RoleUser }

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// transcript is the append-only buffer behind the controller. Entries are
// never modified once appended; readers always receive copies.
type transcript struct {
	entries []TranscriptEntry
}

func (t *transcript) append(e TranscriptEntry) int {
	t.entries = append(t.entries, e)
	return len(t.entries)
}

func (t *transcript) snapshot() []TranscriptEntry {
	if len(t.entries) == 0 {
		return nil
	}
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *transcript) len() int { return len(t.entries) }

func (t *transcript) reset() { t.entries = nil }
