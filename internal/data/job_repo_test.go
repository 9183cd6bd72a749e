package data

import (
	"testing"

	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
	"github.com/stretchr/testify/assert"
)

func TestBuildOwnerListQuery(t *testing.T) {
	completed := model.JobStatusCompleted

	tests := []struct {
		name     string
		opts     model.JobListOptions
		contains []string
		args     []any
	}{
		{
			name:     "owner only",
			opts:     model.JobListOptions{OwnerID: 5},
			contains: []string{"WHERE owner_id = $1", "ORDER BY created_at DESC, id DESC"},
			args:     []any{int64(5)},
		},
		{
			name:     "status and paging",
			opts:     model.JobListOptions{OwnerID: 5, Status: &completed, Limit: 20, Offset: 40},
			contains: []string{"AND status = $2", "LIMIT $3", "OFFSET $4"},
			args:     []any{int64(5), "completed", 20, 40},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildOwnerListQuery("id", tt.opts)
			for _, want := range tt.contains {
				assert.Contains(t, query, want)
			}
			assert.Equal(t, tt.args, args)
		})
	}

	t.Run("no limit clause when unbounded", func(t *testing.T) {
		query, _ := buildOwnerListQuery("id", model.JobListOptions{OwnerID: 1})
		assert.NotContains(t, query, "LIMIT")
		assert.NotContains(t, query, "OFFSET")
	})
}
