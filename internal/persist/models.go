package persist

import (
	"encoding/json"
	"time"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/election"
	"github.com/dreamware/meridian/internal/eventlog"
)

// NodeRecord is a node's row in the node table.
type NodeRecord struct {
	ID            int    `gorm:"primaryKey;autoIncrement:false"`
	Status        string `gorm:"type:varchar(20);index"`
	CurrentLoad   int
	Weight        int `gorm:"default:1"`
	LamportClock  uint64
	LastHeartbeat time.Time `gorm:"index"`
	JoinedAt      time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventRecord is one row of the persisted event log.
type EventRecord struct {
	ID               uint   `gorm:"primaryKey"`
	LamportTimestamp uint64 `gorm:"index:idx_event_order,priority:1"`
	OriginNodeID     int    `gorm:"index:idx_event_order,priority:2"`
	Type             string `gorm:"type:varchar(40);index"`
	Severity         string `gorm:"type:varchar(10);index"`
	Description      string
	Metadata         []byte
	Timestamp        time.Time `gorm:"index"`
}

// ElectionRecord is one row of election history.
type ElectionRecord struct {
	ElectionID     int64 `gorm:"primaryKey;autoIncrement:false"`
	WinnerID       int
	ParticipantIDs []byte
	StartedAt      time.Time
	FinishedAt     time.Time
}

func nodeToRecord(n cluster.Node) NodeRecord {
	return NodeRecord{
		ID:            n.ID,
		Status:        string(n.Status),
		CurrentLoad:   n.CurrentLoad,
		Weight:        n.Weight,
		LamportClock:  n.LamportClock,
		LastHeartbeat: n.LastHeartbeat,
		JoinedAt:      n.JoinedAt,
	}
}

func (r NodeRecord) node() cluster.Node {
	return cluster.Node{
		ID:            r.ID,
		Status:        cluster.NodeStatus(r.Status),
		CurrentLoad:   r.CurrentLoad,
		Weight:        r.Weight,
		LamportClock:  r.LamportClock,
		LastHeartbeat: r.LastHeartbeat,
		JoinedAt:      r.JoinedAt,
	}
}

func eventToRecord(e eventlog.Event) (EventRecord, error) {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return EventRecord{}, err
		}
	}
	return EventRecord{
		LamportTimestamp: e.LamportTimestamp,
		OriginNodeID:     e.OriginNodeID,
		Type:             string(e.Type),
		Severity:         string(e.Severity),
		Description:      e.Description,
		Metadata:         meta,
		Timestamp:        e.Timestamp,
	}, nil
}

func (r EventRecord) event() (eventlog.Event, error) {
	e := eventlog.Event{
		LamportTimestamp: r.LamportTimestamp,
		OriginNodeID:     r.OriginNodeID,
		Type:             eventlog.Type(r.Type),
		Severity:         eventlog.Severity(r.Severity),
		Description:      r.Description,
		Timestamp:        r.Timestamp,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return eventlog.Event{}, err
		}
	}
	return e, nil
}

func electionToRecord(rec election.Record) (ElectionRecord, error) {
	ids, err := json.Marshal(rec.ParticipantIDs)
	if err != nil {
		return ElectionRecord{}, err
	}
	return ElectionRecord{
		ElectionID:     rec.ElectionID,
		WinnerID:       rec.WinnerID,
		ParticipantIDs: ids,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
	}, nil
}

func (r ElectionRecord) record() (election.Record, error) {
	out := election.Record{
		ElectionID: r.ElectionID,
		WinnerID:   r.WinnerID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if err := json.Unmarshal(r.ParticipantIDs, &out.ParticipantIDs); err != nil {
		return election.Record{}, err
	}
	return out, nil
}
