package page

import (
	"github.com/codeflex/program-call/internal/call"
	"github.com/codeflex/program-call/internal/identity"
)

// Text is the user-facing copy of the call page.
type Text struct {
	Title          string
	Subtitle       string
	AssistantName  string
	AssistantRole  string
	UserLabel      string
	AvatarFallback string
	EndMessage     string
}

// DefaultText is the copy used when none is configured.
var DefaultText = Text{
	Title:          "Generate Your Fitness Program",
	Subtitle:       "Have a voice conversation with our AI assistant to create your personalized plan",
	AssistantName:  "CodeFlex AI",
	AssistantRole:  "Fitness & Diet Coach",
	UserLabel:      "You",
	AvatarFallback: "/ai-avatar.png",
	EndMessage:     "Your fitness program has been created! Redirecting to your profile...",
}

func (t Text) withDefaults() Text {
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&t.Title, DefaultText.Title)
	fill(&t.Subtitle, DefaultText.Subtitle)
	fill(&t.AssistantName, DefaultText.AssistantName)
	fill(&t.AssistantRole, DefaultText.AssistantRole)
	fill(&t.UserLabel, DefaultText.UserLabel)
	fill(&t.AvatarFallback, DefaultText.AvatarFallback)
	fill(&t.EndMessage, DefaultText.EndMessage)
	return t
}

// Button tones.
const (
	ToneDestructive = "destructive"
	ToneSuccess     = "success"
	TonePrimary     = "primary"
)

// View is everything the browser renders for one snapshot.
type View struct {
	State          string     `json:"state"`
	Title          string     `json:"title"`
	Subtitle       string     `json:"subtitle"`
	Assistant      Card       `json:"assistant"`
	User           Card       `json:"user"`
	ShowTranscript bool       `json:"show_transcript"`
	Transcript     []Line     `json:"transcript"`
	Button         ButtonView `json:"button"`
	Error          string     `json:"error,omitempty"`
}

type Card struct {
	Heading  string `json:"heading"`
	Subtitle string `json:"subtitle"`
	Avatar   string `json:"avatar"`
	Status   string `json:"status"`
	Pulsing  bool   `json:"pulsing"`
}

// Line is one transcript row. System rows are not spoken by either party.
type Line struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
	System  bool   `json:"system,omitempty"`
}

type ButtonView struct {
	Label    string `json:"label"`
	Disabled bool   `json:"disabled"`
	Tone     string `json:"tone"`
	Pulsing  bool   `json:"pulsing"`
}

// BuildView derives the page from a controller snapshot and the viewer's
// profile. It has no side effects.
func BuildView(s call.Snapshot, p identity.Profile, text Text) View {
	text = text.withDefaults()
	v := View{
		State:    s.State.String(),
		Title:    text.Title,
		Subtitle: text.Subtitle,
		Assistant: Card{
			Heading:  text.AssistantName,
			Subtitle: text.AssistantRole,
			Avatar:   text.AvatarFallback,
			Status:   assistantStatus(s),
			Pulsing:  s.Speaking,
		},
		User: Card{
			Heading:  text.UserLabel,
			Subtitle: p.DisplayName(),
			Avatar:   p.ImageURL,
			Status:   "Ready",
		},
		Button: button(s.State),
		Error:  s.LastError,
	}
	if v.User.Avatar == "" {
		v.User.Avatar = text.AvatarFallback
	}

	v.Transcript = make([]Line, 0, len(s.Transcript)+1)
	for _, e := range s.Transcript {
		speaker := text.UserLabel
		if e.Role == call.RoleAssistant {
			speaker = text.AssistantName
		}
		v.Transcript = append(v.Transcript, Line{Speaker: speaker, Content: e.Content})
	}
	v.ShowTranscript = len(s.Transcript) > 0
	if v.ShowTranscript && s.State == call.StateEnded {
		v.Transcript = append(v.Transcript, Line{Speaker: "System", Content: text.EndMessage, System: true})
	}
	return v
}

func assistantStatus(s call.Snapshot) string {
	switch {
	case s.Speaking:
		return "speaking..."
	case s.State == call.StateActive:
		return "Listening..."
	case s.State == call.StateEnded:
		return "Redirecting..."
	}
	return "Waiting"
}

func button(st call.State) ButtonView {
	switch st {
	case call.StateActive:
		return ButtonView{Label: "End Call", Tone: ToneDestructive}
	case call.StateConnecting:
		return ButtonView{Label: "Connecting...", Tone: TonePrimary, Disabled: true, Pulsing: true}
	case call.StateEnded:
		return ButtonView{Label: "View Profile", Tone: ToneSuccess, Disabled: true}
	}
	return ButtonView{Label: "Start Call", Tone: TonePrimary}
}
