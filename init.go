package titanfs

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/titanfs/titanfs/counter"
	"gitlab.com/titanfs/titanfs/files"
	"gitlab.com/titanfs/titanfs/microversions"
	internal "gitlab.com/titanfs/titanfs/internal/store"
	"gitlab.com/titanfs/titanfs/versions"
)

// Init initializes TitanFS for all sites defined in globals.
//
// It establishes the connection to the PostgreSQL database, configures the
// schema of each site, and wires the file service with the versioning (and
// optionally microversion) hooks.
//
// It can be called multiple times. In that case it will initialize only
// sites which have not been initialized yet.
func Init(ctx context.Context, globals *Globals) errors.E {
	var dbpool *pgxpool.Pool

	// First we check if any site has it initialized already.
	for _, site := range globals.Sites {
		if site.DBPool != nil {
			dbpool = site.DBPool
			break
		}
	}

	// Initialize for the first time.
	if dbpool == nil {
		var errE errors.E
		dbpool, errE = internal.InitPostgres(ctx, string(globals.Postgres.URL), globals.Logger, getRequestWithFallback(globals.Logger))
		if errE != nil {
			return errE
		}
	}

	for i := range globals.Sites {
		site := &globals.Sites[i]

		if site.Files != nil {
			continue
		}

		siteCtx := globals.Logger.WithContext(WithFallbackDBContext(ctx, "init", site.Schema))

		store := &files.Store{}
		errE := store.Init(siteCtx, dbpool)
		if errE != nil {
			return errE
		}
		filesService := files.NewService(store, &files.Registry{})

		siteCounter := &counter.Counter{} //nolint:exhaustruct
		errE = siteCounter.Init(siteCtx, dbpool)
		if errE != nil {
			return errE
		}

		versionsService := &versions.Service{ //nolint:exhaustruct
			Files:   filesService,
			Counter: siteCounter,
		}
		errE = versionsService.Init(siteCtx, dbpool)
		if errE != nil {
			return errE
		}

		// Microversions layer above the versioning hooks, so they have to
		// register first.
		if globals.Microversions {
			microversionsService := &microversions.Service{ //nolint:exhaustruct
				Files:    filesService,
				Versions: versionsService,
			}
			errE = microversionsService.Init(globals.Logger.WithContext(WithFallbackDBContext(ctx, microversions.ServiceName, site.Schema)))
			if errE != nil {
				return errE
			}
			microversionsService.Register()
			site.Microversions = microversionsService
		}
		versionsService.Register()

		site.Files = filesService
		site.Versions = versionsService
		site.Counter = siteCounter
		site.DBPool = dbpool
	}

	return nil
}
