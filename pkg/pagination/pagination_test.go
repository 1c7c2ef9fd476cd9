package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest("GET", "/?"+query, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	cases := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"limit=25&offset=50", 25, 50},
		{"limit=0", DefaultLimit, 0},
		{"limit=-5&offset=-3", DefaultLimit, 0},
		{"limit=5000", MaxLimit, 0},
		{"limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tc := range cases {
		p := paramsFor(tc.query)
		if p.Limit != tc.limit || p.Offset != tc.offset {
			t.Errorf("%q: got %+v, want limit=%d offset=%d", tc.query, p, tc.limit, tc.offset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	if r := NewResponse(nil, 30, 10, 10); !r.HasMore {
		t.Error("offset 10 limit 10 of 30 should have more")
	}
	if r := NewResponse(nil, 30, 10, 20); r.HasMore {
		t.Error("last page should not have more")
	}
	if r := NewResponse(nil, 0, 10, 0); r.HasMore {
		t.Error("empty result should not have more")
	}
}
