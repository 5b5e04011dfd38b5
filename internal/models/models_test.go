package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlowDataResolve(t *testing.T) {
	cases := []struct {
		name        string
		remainAudit int
		remainPass  int
		want        Resolution
	}{
		{"fresh", 3, 2, Indeterminate},
		{"pass budget spent", 1, 0, Accepted},
		{"accepted on last audit", 0, 0, Accepted},
		{"audits spent", 0, 1, Exhausted},
		{"pass no longer reachable", 1, 2, Exhausted},
		{"exactly reachable", 2, 2, Indeterminate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fd := FlowData{RemainAuditCount: tc.remainAudit, RemainPassCount: tc.remainPass}
			require.Equal(t, tc.want, fd.Resolve())
		})
	}
}

func TestSharesTeam(t *testing.T) {
	require.True(t, SharesTeam(nil, nil))
	require.True(t, SharesTeam([]string{}, []string{"red"}))
	require.True(t, SharesTeam([]string{"red", "blue"}, []string{"green", "blue"}))
	require.False(t, SharesTeam([]string{"red"}, []string{"blue"}))
	require.False(t, SharesTeam([]string{"red"}, nil))
}

func TestNewFlowData(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Flow{TaskID: "t", Index: 2, MaxAuditCount: 3, PassAuditCount: 2, ExpireTime: 90}
	fd := f.NewFlowData("d", now)
	require.Equal(t, FlowDataPending, fd.Status)
	require.Equal(t, 3, fd.RemainAuditCount)
	require.Equal(t, 2, fd.RemainPassCount)
	require.Equal(t, 2, fd.Index)
	require.NotNil(t, fd.PassAuditUserIDs)
	require.Equal(t, 90*time.Second, f.Lease())
}

func TestJudgmentEvaluations(t *testing.T) {
	j := Judgment{
		ConversationEvaluation: map[string]any{"score": 4},
		DataEvaluation:         map[string]any{"ok": true},
		Pass:                   true,
	}
	label := j.LabelEvaluation()
	require.Equal(t, j.ConversationEvaluation, label.ConversationEvaluation)
	require.Empty(t, label.DataEvaluation)

	audit := j.AuditEvaluation()
	require.Len(t, audit.DataEvaluation, 1)
	require.Nil(t, audit.ConversationEvaluation)

	require.Len(t, Judgment{}.AuditEvaluation().DataEvaluation, 1)
}
