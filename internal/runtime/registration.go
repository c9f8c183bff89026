package runtime

import (
	"github.com/drblury/foxbridge/internal/runtime/relay"
)

type relayEntry struct {
	task       *relay.Task
	channelID  uint32
	schemaName string
}

// RelayInfo describes one running relay.
type RelayInfo struct {
	ChannelID  uint32 `json:"channel_id"`
	SchemaName string `json:"schema_name,omitempty"`
	relay.Stats
}

func (s *Service) addRelay(entry *relayEntry) {
	s.relaysMu.Lock()
	s.relays = append(s.relays, entry)
	s.relaysMu.Unlock()
}

// Relays returns a snapshot of every wired relay in declaration order.
func (s *Service) Relays() []RelayInfo {
	s.relaysMu.RLock()
	defer s.relaysMu.RUnlock()

	infos := make([]RelayInfo, 0, len(s.relays))
	for _, entry := range s.relays {
		infos = append(infos, RelayInfo{
			ChannelID:  entry.channelID,
			SchemaName: entry.schemaName,
			Stats:      entry.task.Stats(),
		})
	}
	return infos
}
