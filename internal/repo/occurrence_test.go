package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/richardliu001/incident-command-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOccurrences(t *testing.T, r *Repository, n int, status string) {
	t.Helper()
	for i := 0; i < n; i++ {
		o := &model.Occurrence{
			ExternalID: fmt.Sprintf("ext-%s-%d", status, i),
			Type:       "incendio_urbano",
			Status:     status,
			ReportedAt: testNow.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, r.DB(context.Background()).Create(o).Error)
	}
}

func TestListOccurrences_FiltersAndPaginates(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedOccurrences(t, r, 5, "reported")
	seedOccurrences(t, r, 2, "in_progress")

	page, err := r.ListOccurrences(ctx, model.OccurrenceFilter{Status: "reported", Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "ext-reported-2", page.Data[0].ExternalID)

	empty, err := r.ListOccurrences(ctx, model.OccurrenceFilter{Type: "resgate_veicular"})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.NotNil(t, empty.Data)
	assert.Equal(t, model.DefaultPageSize, empty.Limit)
}

func TestOccurrenceLookups(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedOccurrences(t, r, 1, "reported")

	ok, err := r.OccurrenceExistsByExternalID(ctx, "ext-reported-0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.OccurrenceExistsByExternalID(ctx, "ext-unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.FindOccurrence(ctx, "018f0e2b-f278-7be1-88f9-cf0d43edc990")
	assert.ErrorIs(t, err, ErrOccurrenceNotFound)
}
