package trace

import (
	"regexp"
	"strings"
)

// CommitmentTag is an element of the fixed closed set of observable promises
// the agent can make. Commitments are safety-relevant: adding a tag requires
// a code change here, never a data change.
type CommitmentTag string

const (
	CommitSendEmail      CommitmentTag = "send_email"
	CommitAttachDocs     CommitmentTag = "attach_documents"
	CommitPlayMusic      CommitmentTag = "play_music"
	CommitPostSocial     CommitmentTag = "post_social"
	CommitCreateDocument CommitmentTag = "create_document"
	CommitScheduleEvent  CommitmentTag = "schedule_event"
)

// AllCommitmentTags lists every valid tag, used to filter LLM-proposed tags.
var AllCommitmentTags = []CommitmentTag{
	CommitSendEmail,
	CommitAttachDocs,
	CommitPlayMusic,
	CommitPostSocial,
	CommitCreateDocument,
	CommitScheduleEvent,
}

// ValidCommitmentTag reports whether s names a known tag.
func ValidCommitmentTag(s string) (CommitmentTag, bool) {
	tag := CommitmentTag(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCommitmentTags {
		if tag == known {
			return tag, true
		}
	}
	return "", false
}

var wordRe = regexp.MustCompile(`[a-z']+`)

// Verb and noun vocabularies for the deterministic scan. The scan is a
// cross-check against the LLM's proposed tags; the union of both is recorded.
var (
	deliveryVerbs = map[string]bool{
		"email": true, "mail": true, "send": true, "share": true, "forward": true,
	}
	artifactNouns = map[string]bool{
		"report": true, "slides": true, "slideshow": true, "link": true, "links": true,
		"document": true, "doc": true, "file": true, "files": true, "summary": true,
		"presentation": true, "keynote": true, "attachment": true, "attachments": true,
		"pdf": true, "digest": true,
	}
	musicVerbs = map[string]bool{
		"play": true, "listen": true, "queue": true,
	}
	musicNouns = map[string]bool{
		"music": true, "song": true, "songs": true, "playlist": true, "album": true,
		"track": true, "tracks": true,
	}
	socialVerbs = map[string]bool{
		"post": true, "tweet": true, "publish": true,
	}
	socialNouns = map[string]bool{
		"twitter": true, "x": true, "mastodon": true, "social": true, "thread": true,
	}
	createVerbs = map[string]bool{
		"create": true, "make": true, "write": true, "draft": true, "generate": true,
		"prepare": true, "build": true,
	}
	documentNouns = map[string]bool{
		"report": true, "slideshow": true, "slides": true, "presentation": true,
		"keynote": true, "document": true, "doc": true, "pages": true, "summary": true,
		"digest": true, "analysis": true,
	}
	scheduleVerbs = map[string]bool{
		"schedule": true, "book": true, "calendar": true, "plan": true, "set": true,
	}
	scheduleNouns = map[string]bool{
		"meeting": true, "event": true, "appointment": true, "call": true,
		"reminder": true, "calendar": true,
	}
)

// proximityWindow is how many words apart a verb and noun may be and still
// count as one intent.
const proximityWindow = 6

// DetectCommitments runs the deterministic verb/noun scan over a user request
// and returns the commitment tags it implies, in a stable order. This is the
// testable half of commitment detection; the orchestrator unions it with the
// tags the LLM proposes at planning time.
func DetectCommitments(request string) []CommitmentTag {
	words := wordRe.FindAllString(strings.ToLower(request), -1)

	found := make(map[CommitmentTag]bool)
	near := func(verbs, nouns map[string]bool) bool {
		for i, w := range words {
			if !verbs[w] {
				continue
			}
			lo := i - proximityWindow
			if lo < 0 {
				lo = 0
			}
			hi := i + proximityWindow
			if hi >= len(words) {
				hi = len(words) - 1
			}
			for j := lo; j <= hi; j++ {
				if nouns[words[j]] {
					return true
				}
			}
		}
		return false
	}

	if near(deliveryVerbs, map[string]bool{"me": true, "email": true, "inbox": true}) ||
		near(deliveryVerbs, artifactNouns) {
		found[CommitSendEmail] = true
	}
	if near(deliveryVerbs, artifactNouns) {
		found[CommitAttachDocs] = true
	}
	if near(musicVerbs, musicNouns) {
		found[CommitPlayMusic] = true
	}
	if near(socialVerbs, socialNouns) {
		found[CommitPostSocial] = true
	}
	if near(createVerbs, documentNouns) {
		found[CommitCreateDocument] = true
	}
	if near(scheduleVerbs, scheduleNouns) {
		found[CommitScheduleEvent] = true
	}

	var tags []CommitmentTag
	for _, tag := range AllCommitmentTags {
		if found[tag] {
			tags = append(tags, tag)
		}
	}
	return tags
}

// UnionCommitments merges detector output with LLM-proposed tag names,
// dropping anything outside the closed set.
func UnionCommitments(detected []CommitmentTag, proposed []string) []CommitmentTag {
	seen := make(map[CommitmentTag]bool)
	for _, tag := range detected {
		seen[tag] = true
	}
	for _, name := range proposed {
		if tag, ok := ValidCommitmentTag(name); ok {
			seen[tag] = true
		}
	}
	var tags []CommitmentTag
	for _, tag := range AllCommitmentTags {
		if seen[tag] {
			tags = append(tags, tag)
		}
	}
	return tags
}
