package transcript

import "regexp"

// The control-sequence scrubber removes terminal escape noise from
// "cooked" text before it reaches the transcript. It never touches a
// synthesized prompt+echo string; those are always stored via AppendRaw.
var (
	// CSI sequences: ESC [ params letter. Covers cursor movement, line/
	// screen clears, and private-mode/bracketed-paste/alt-screen toggles,
	// since all of those are CSI forms ending in a final byte in @-~.
	csiSeq = regexp.MustCompile("\x1b\\[[0-9;?]*[a-zA-Z@]")

	// OSC sequences: ESC ] ... terminated by BEL or ESC \ (ST). Covers
	// window-title and similar operating-system-command sequences.
	oscSeq = regexp.MustCompile("\x1b\\][^\x07\x1b]*(\x07|\x1b\\\\)")

	// Bare CR not followed by LF.
	bareCR = regexp.MustCompile("\r(\n)?")

	// Stray shell-prompt artifacts the historical source is known to emit.
	ps1Echo  = regexp.MustCompile(`export PS1='[^']*'\r?\n?`)
	nullStub = regexp.MustCompile(`\s*null 2>&1`)

	bel = "\x07"
)

// Scrub removes BEL, CSI sequences, OSC sequences, bare CR, and the two
// known stray artifacts from text. It is idempotent and safe to call on
// text that contains none of these.
func Scrub(text string) string {
	text = csiSeq.ReplaceAllString(text, "")
	text = oscSeq.ReplaceAllString(text, "")
	// BEL goes after the OSC pass, which needs it as a terminator.
	text = removeAll(text, bel)
	text = bareCR.ReplaceAllStringFunc(text, func(m string) string {
		if len(m) == 2 { // CR already followed by LF — keep as-is
			return m
		}
		return "" // bare CR, drop it
	})
	text = ps1Echo.ReplaceAllString(text, "")
	text = nullStub.ReplaceAllString(text, "")
	return text
}

func removeAll(s, substr string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == substr[0] {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
