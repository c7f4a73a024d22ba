package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/retention"
)

var occurred = time.Date(2024, 3, 9, 14, 5, 6, 789000000, time.UTC)

func sampleEvent(t *testing.T, org string) audit.Event {
	t.Helper()
	e, err := audit.BuildEvent(audit.RecordRequest{
		OrganizationID: org,
		ActorID:        "user-1",
		Type:           audit.EventTypeSettingsChanged,
		Description:    "Changed session timeout",
		Security:       audit.SecurityContext{IPAddress: "203.0.113.9", UserAgent: "cli/1.0"},
		Payload: audit.Payload{
			EntityType:  "setting",
			EntityID:    "session_timeout",
			Action:      "update",
			BeforeState: map[string]interface{}{"minutes": 30},
			AfterState:  map[string]interface{}{"minutes": 15},
			Metadata:    map[string]interface{}{"ticket": "OPS-42", "attempt": 2},
		},
	}, occurred, retention.DefaultPolicy())
	require.NoError(t, err)
	return e
}
