package narrowing

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/locator"
)

// JSONCounter returns a Counter that reads an integer field from a count
// endpoint. The URL template takes {date} and {prefix} like Config.URL;
// params are passed through to the getter (credentials, headers).
func JSONCounter(getter locator.IntGetter, urlTemplate, field string, params map[string]string) Counter {
	return func(ctx context.Context, date time.Time, prefix string) (int, error) {
		u := strings.NewReplacer("{date}", date.Format(DateLayout), "{prefix}", prefix).Replace(urlTemplate)
		return getter.GetInt(ctx, bundle.RequestMeta{URL: u, Params: maps.Clone(params)}, field) //nolint:wrapcheck // getter errors name the url
	}
}
