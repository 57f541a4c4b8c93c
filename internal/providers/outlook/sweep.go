package outlook

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// sweepFolders are the well-known folders covered by one account sweep.
var sweepFolders = []string{"inbox", "sentitems"}

// SyncEmails sweeps each folder in turn, following @odata.nextLink until the
// folder is exhausted. The sweep is recorded only after every folder is done.
func (a *Adapter) SyncEmails(ctx context.Context, req sync.SyncRequest) error {
	client, err := a.client(req.AccessToken)
	if err != nil {
		return err
	}

	pages, total := 0, 0
	for _, folder := range sweepFolders {
		opts := sync.ListOptions{PageSize: req.PageSize, Since: req.Since}
		for n := 1; ; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			page, err := a.listPage(ctx, client, folder, opts)
			if err != nil {
				return fmt.Errorf("%s page %d: %w", folder, n, err)
			}
			pages++

			res, err := sync.PersistBatch(ctx, a.deps, req.Account, page.Messages)
			if err != nil {
				return err
			}
			total += len(res.Messages)
			if req.OnBatch != nil {
				req.OnBatch(res)
			}

			if page.NextPageToken == "" {
				break
			}
			opts.PageToken = page.NextPageToken
		}
		a.log.Debug().Str("account_id", req.Account.ID).Str("folder", folder).Msg("folder swept")
	}

	return sync.CompleteSweep(ctx, a.deps, req, pages, total)
}
