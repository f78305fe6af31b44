package dht

import (
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/dhtnode/dht/krpc"
)

// persistedState is the on-disk JSON document: {K, id, nodes: [...]}.
type persistedState struct {
	K     int               `json:"k"`
	ID    string            `json:"id"`
	Nodes []persistedContact `json:"nodes"`
}

// persistedContact is one row of the persisted routing-table state:
// (id_hex, address, port, family, token_hex?, last_response, last_received_query, failed).
type persistedContact struct {
	ID               string `json:"id"`
	Address          string `json:"address"`
	Port             int    `json:"port"`
	Family           string `json:"family"`
	Token            string `json:"token,omitempty"`
	LastResponse     int64  `json:"last_response"`
	LastReceivedQuery int64 `json:"last_received_query"`
	Failed           int    `json:"failed"`
}

// Save writes the node's ID, K, and routing-table snapshot as a JSON
// document.
func (s *Server) Save(w io.Writer) error {
	snap := s.table.Snapshot()
	state := persistedState{
		K:  s.k,
		ID: s.id.String(),
	}
	for _, row := range snap {
		state.Nodes = append(state.Nodes, persistedContact{
			ID:                row.ID.String(),
			Address:           row.Addr.IP.String(),
			Port:              row.Addr.Port,
			Family:            "inet",
			Token:             row.Token,
			LastResponse:      unixOrZero(row.LastResponse),
			LastReceivedQuery: unixOrZero(row.LastQuery),
			Failed:            row.Failed,
		})
	}
	return json.NewEncoder(w).Encode(state)
}

// Load reinserts a previously Saved routing-table snapshot via the normal
// insert path. It does not change the node's own ID.
func (s *Server) Load(r io.Reader) error {
	var state persistedState
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return err
	}
	rows := make([]ContactSnapshot, 0, len(state.Nodes))
	for _, pc := range state.Nodes {
		id, err := parseHexID(pc.ID)
		if err != nil {
			continue
		}
		ip := net.ParseIP(pc.Address)
		if ip == nil {
			continue
		}
		rows = append(rows, ContactSnapshot{
			ID:           id,
			Addr:         krpc.NodeAddr{IP: ip.To4(), Port: pc.Port},
			Token:        pc.Token,
			LastResponse: timeFromUnix(pc.LastResponse),
			LastQuery:    timeFromUnix(pc.LastReceivedQuery),
			Failed:       pc.Failed,
		})
	}
	s.table.LoadSnapshot(rows)
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func parseHexID(s string) (krpc.ID, error) {
	return krpc.IDFromHex(s)
}
