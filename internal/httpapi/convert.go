package httpapi

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

const dayLayout = "2006-01-02"

// ── Query parameters ─────────────────────────────────────────────────────────

func filterFromQuery(q url.Values, loc *time.Location) (service.Filter, error) {
	var f service.Filter

	if k := strings.TrimSpace(q.Get("kind")); k != "" {
		kind, err := types.ParseKind(k)
		if err != nil {
			return service.Filter{}, err
		}
		f.Kind = kind
	}

	if d := strings.TrimSpace(q.Get("day")); d != "" {
		day, err := time.ParseInLocation(dayLayout, d, loc)
		if err != nil {
			return service.Filter{}, errors.New("day must be YYYY-MM-DD")
		}
		f.Day = day
	}

	return f, nil
}

func boolQuery(q url.Values, key string) (bool, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

// ── Responses ────────────────────────────────────────────────────────────────

func recordsResponse(b service.Batch) types.RecordsResponse {
	views := make([]types.RecordView, 0, len(b.Records))
	for _, r := range b.Records {
		views = append(views, types.ViewOf(r))
	}
	return types.RecordsResponse{Records: views, Skipped: b.Skipped}
}

func entriesResponse(entries []*types.Entry) types.RecordsResponse {
	views := make([]types.RecordView, 0, len(entries))
	for _, e := range entries {
		views = append(views, types.ViewOf(e))
	}
	return types.RecordsResponse{Records: views}
}

func saveResponse(res service.SaveResult) types.SaveResponse {
	return types.SaveResponse{
		OK:        true,
		ID:        res.ID,
		Kind:      res.Kind,
		Timestamp: res.Timestamp.Format(time.RFC3339Nano),
	}
}

func knownResponse(kps []types.KnownPerson) types.KnownResponse {
	if kps == nil {
		kps = []types.KnownPerson{}
	}
	return types.KnownResponse{Results: kps}
}
