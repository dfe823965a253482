package translate

import (
	"context"

	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// ResolveStaging fills the staging project and user ids from their names.
// Ids already set in opts are kept.
func ResolveStaging(ctx context.Context, ir repository.IdentityResolver, projectName, userName string, opts Options) (Options, error) {
	if ir == nil {
		return opts, nil
	}
	if opts.StagingProjectID == "" && projectName != "" {
		id, err := ir.ProjectID(ctx, projectName)
		if err != nil {
			return opts, syncerr.Wrap(syncerr.KindOf(err), "resolve staging project", err)
		}
		opts.StagingProjectID = id
	}
	if opts.StagingUserID == "" && userName != "" {
		id, err := ir.UserID(ctx, userName)
		if err != nil {
			return opts, syncerr.Wrap(syncerr.KindOf(err), "resolve staging user", err)
		}
		opts.StagingUserID = id
	}
	return opts, nil
}
