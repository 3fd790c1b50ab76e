package workspace

// ReplayStats describes what a replay consumed.
type ReplayStats struct {
	Messages          int
	AssistantMessages int
	Events            map[EventKind]int
	// Skipped counts file-edit parts whose payload could not be decoded.
	Skipped int
}

// Replay folds the file-edit events of messages into a snapshot. Messages
// must already be in ascending sequence order; they are not re-sorted.
func Replay(messages []Message) Snapshot {
	snapshot, _ := ReplayWithStats(messages)
	return snapshot
}

// ReplayWithStats is Replay plus counters for logging and metrics.
func ReplayWithStats(messages []Message) (Snapshot, ReplayStats) {
	snapshot := Snapshot{}
	stats := ReplayStats{Messages: len(messages), Events: map[EventKind]int{}}
	for _, msg := range messages {
		if msg.Role != RoleAssistant {
			continue
		}
		stats.AssistantMessages++
		for _, part := range msg.Parts {
			event, ok := ExtractEvent(part)
			if !ok {
				if IsFileEditPart(part) {
					stats.Skipped++
				}
				continue
			}
			snapshot.apply(event)
			stats.Events[event.Kind]++
		}
	}
	return snapshot, stats
}

func (s Snapshot) apply(event Event) {
	switch event.Kind {
	case EventWriteFile:
		s[event.Path] = event.Content
	case EventApplyEdits:
		s[event.Path] = ApplyLineEdits(s[event.Path], event.Edits)
	case EventDeleteFile:
		delete(s, event.Path)
	}
}
