package persistence

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/cache"
	"github.com/paramcache/backend/internal/infrastructure/cache/cachetest"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepositories(t *testing.T, store cache.HashStore, opts ...Option) *Repositories {
	t.Helper()
	repos, err := NewRepositories(store, opts...)
	require.NoError(t, err)
	return repos
}

// forEachGuard runs fn once per uniqueness strategy
func forEachGuard(t *testing.T, fn func(t *testing.T, repos *Repositories, store cache.HashStore)) {
	for _, strategy := range []string{config.UniquenessIndex, config.UniquenessScan} {
		t.Run(strategy, func(t *testing.T) {
			store := cache.NewInMemoryHashStore()
			fn(t, newTestRepositories(t, store, WithUniqueness(strategy)), store)
		})
	}
}

func TestSave_CreateAssignsInternalID(t *testing.T) {
	// Scenario A
	forEachGuard(t, func(t *testing.T, repos *Repositories, _ cache.HashStore) {
		ctx := context.Background()

		saved, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("test", "3m"))
		require.NoError(t, err)

		assert.True(t, IsInternalID(saved.ID))
		assert.Equal(t, 0, saved.Version)

		count, err := repos.DocumentTypes.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})
}

func TestSave_ForeignIDIsReplaced(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepositories(t, cache.NewInMemoryHashStore())

	rate := parameter.NewSystemRate("TIIE", decimal.RequireFromString("11.25"))
	rate.ID = "4f1c2a9e-upstream-id"
	rate.Version = 7

	saved, err := repos.SystemRates.Save(ctx, rate)
	require.NoError(t, err)

	assert.NotEqual(t, rate.ID, saved.ID)
	assert.True(t, IsInternalID(saved.ID))
	assert.Equal(t, 0, saved.Version)
}

func TestSave_ValidationFailsBeforeStoreAccess(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryHashStore()
	repos := newTestRepositories(t, store)

	tests := []struct {
		name string
		save func() error
	}{
		{"document type without expiration", func() error {
			_, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("test", " "))
			return err
		}},
		{"rate without value", func() error {
			_, err := repos.SystemRates.Save(ctx, parameter.NewSystemRate("TIIE", decimal.Zero))
			return err
		}},
		{"date without day", func() error {
			_, err := repos.SystemDates.Save(ctx, parameter.SystemDate{Name: parameter.DayTypeToday})
			return err
		}},
		{"date with unknown tag", func() error {
			_, err := repos.SystemDates.Save(ctx, parameter.NewSystemDate("PAYDAY", parameter.DateOf(2023, 9, 1)))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.save()
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrValidation)
		})
	}

	for _, table := range []string{parameter.TableDocumentType, parameter.TableSystemRate, parameter.TableSystemDate} {
		n, err := store.HLen(ctx, table)
		require.NoError(t, err)
		assert.Zero(t, n, table)
	}
}

func TestSave_DuplicateNameRejected(t *testing.T) {
	forEachGuard(t, func(t *testing.T, repos *Repositories, _ cache.HashStore) {
		ctx := context.Background()

		_, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("INE", "10Y"))
		require.NoError(t, err)

		_, err = repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("INE", "5Y"))
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrDuplicateName)

		count, err := repos.DocumentTypes.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		found, err := repos.DocumentTypes.FindByName(ctx, "INE")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "10Y", found.Expiration)
	})
}

func TestSave_UnchangedNameSkipsUniquenessCheck(t *testing.T) {
	forEachGuard(t, func(t *testing.T, repos *Repositories, store cache.HashStore) {
		ctx := context.Background()

		saved, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("dup", "3m"))
		require.NoError(t, err)

		// a second holder of the name written behind the repository's back
		other := parameter.DocumentType{ID: InternalIDPrefix + "other", Name: "dup", Expiration: "6m"}
		data, err := JSONCodec{}.Marshal(&other)
		require.NoError(t, err)
		require.NoError(t, store.HSet(ctx, parameter.TableDocumentType, other.ID, data))

		saved.Expiration = "12m"
		updated, err := repos.DocumentTypes.Save(ctx, saved)
		require.NoError(t, err, "a payload-only update keeps its own name")
		assert.Equal(t, 1, updated.Version)
		assert.Equal(t, "12m", updated.Expiration)
	})
}

func TestSave_ScanGuardRefusesTakenNameOnRename(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryHashStore()
	repos := newTestRepositories(t, store, WithUniqueness(config.UniquenessScan))

	_, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("dup", "3m"))
	require.NoError(t, err)
	mover, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("other", "6m"))
	require.NoError(t, err)

	mover.Name = "dup"
	_, err = repos.DocumentTypes.Save(ctx, mover)
	assert.ErrorIs(t, err, shared.ErrDuplicateName)
}

func TestSave_FailureReturnsInput(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepositories(t, cache.NewInMemoryHashStore())

	first, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("INE", "10Y"))
	require.NoError(t, err)

	t.Run("duplicate name", func(t *testing.T) {
		in := parameter.NewDocumentType("INE", "5Y")
		out, err := repos.DocumentTypes.Save(ctx, in)
		require.ErrorIs(t, err, shared.ErrDuplicateName)
		assert.Equal(t, in, out)
	})

	t.Run("version conflict", func(t *testing.T) {
		in := first
		in.Version = 5
		in.Expiration = "1Y"
		out, err := repos.DocumentTypes.Save(ctx, in)
		require.ErrorIs(t, err, shared.ErrVersionConflict)
		assert.Equal(t, in, out)
	})
}

func TestSave_HolidaysRepeat(t *testing.T) {
	// Scenario B
	forEachGuard(t, func(t *testing.T, repos *Repositories, _ cache.HashStore) {
		ctx := context.Background()

		_, err := repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeHoliday, parameter.DateOf(2023, 9, 16)))
		require.NoError(t, err)
		_, err = repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeHoliday, parameter.DateOf(2023, 11, 2)))
		require.NoError(t, err)

		count, err := repos.SystemDates.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)

		exists, err := repos.SystemDates.ExistsByName(ctx, string(parameter.DayTypeHoliday))
		require.NoError(t, err)
		assert.False(t, exists, "HOLIDAY never reports as taken")

		holidays, err := repos.SystemDates.FindAllByDayType(ctx, parameter.DayTypeHoliday)
		require.NoError(t, err)
		assert.Len(t, holidays, 2)

		_, err = repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2023, 9, 15)))
		require.NoError(t, err)
		_, err = repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2023, 9, 18)))
		assert.ErrorIs(t, err, shared.ErrDuplicateName)
	})
}

func TestSave_OptimisticVersioning(t *testing.T) {
	// Scenario C
	forEachGuard(t, func(t *testing.T, repos *Repositories, _ cache.HashStore) {
		ctx := context.Background()

		created, err := repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2023, 9, 15)))
		require.NoError(t, err)

		copy1, err := repos.SystemDates.FindByID(ctx, created.ID)
		require.NoError(t, err)
		copy2, err := repos.SystemDates.FindByID(ctx, created.ID)
		require.NoError(t, err)
		require.NotSame(t, copy1, copy2)

		copy1.Day = parameter.DateOf(2023, 9, 18)
		updated, err := repos.SystemDates.Save(ctx, *copy1)
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Version)
		assert.Equal(t, 0, copy1.Version, "the caller's copy is not mutated")

		copy2.Day = parameter.DateOf(2023, 9, 19)
		_, err = repos.SystemDates.Save(ctx, *copy2)
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrVersionConflict)

		stored, err := repos.SystemDates.FindByID(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, 1, stored.Version)
		assert.True(t, stored.Day.Equal(parameter.DateOf(2023, 9, 18)))
	})
}

func TestSave_VersionIncrementsByOne(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepositories(t, cache.NewInMemoryHashStore())

	rate, err := repos.SystemRates.Save(ctx, parameter.NewSystemRate("TIIE", decimal.RequireFromString("11.00")))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		rate.Rate = rate.Rate.Add(decimal.RequireFromString("0.25"))
		rate, err = repos.SystemRates.Save(ctx, rate)
		require.NoError(t, err)
		assert.Equal(t, i, rate.Version)
	}

	stored, err := repos.SystemRates.FindByName(ctx, "TIIE")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 5, stored.Version)
	assert.True(t, decimal.RequireFromString("12.25").Equal(stored.Rate))
}

func TestSave_RenameFreesOldName(t *testing.T) {
	forEachGuard(t, func(t *testing.T, repos *Repositories, _ cache.HashStore) {
		ctx := context.Background()

		doc, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("RFC", "1Y"))
		require.NoError(t, err)
		other, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("CURP", "1Y"))
		require.NoError(t, err)

		// renaming onto a taken name fails and leaves the entity as it was
		doc.Name = "CURP"
		_, err = repos.DocumentTypes.Save(ctx, doc)
		assert.ErrorIs(t, err, shared.ErrDuplicateName)
		stored, err := repos.DocumentTypes.FindByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, "RFC", stored.Name)
		assert.Equal(t, 0, stored.Version)

		doc.Name = "RFC-2024"
		renamed, err := repos.DocumentTypes.Save(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, 1, renamed.Version)

		exists, err := repos.DocumentTypes.ExistsByName(ctx, "RFC")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("RFC", "2Y"))
		require.NoError(t, err, "old name is free again")

		found, err := repos.DocumentTypes.FindByName(ctx, "CURP")
		require.NoError(t, err)
		assert.Equal(t, other.ID, found.ID)
	})
}

func TestSave_MissingPredecessor(t *testing.T) {
	ctx := context.Background()
	lost := parameter.NewSystemRate("UDI", decimal.RequireFromString("7.91"))
	lost.ID = InternalIDPrefix + "0123456789abcdef0123456789abcdef"
	lost.Version = 3

	t.Run("insert policy recreates under the supplied id", func(t *testing.T) {
		repos := newTestRepositories(t, cache.NewInMemoryHashStore(),
			WithMissingPredecessor(config.MissingPredecessorInsert))

		saved, err := repos.SystemRates.Save(ctx, lost)
		require.NoError(t, err)
		assert.Equal(t, lost.ID, saved.ID)
		assert.Equal(t, 0, saved.Version)

		exists, err := repos.SystemRates.ExistsByID(ctx, lost.ID)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("reject policy reports not found", func(t *testing.T) {
		repos := newTestRepositories(t, cache.NewInMemoryHashStore(),
			WithMissingPredecessor(config.MissingPredecessorReject))

		_, err := repos.SystemRates.Save(ctx, lost)
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrNotFound)

		count, err := repos.SystemRates.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestDelete_IsIdempotent(t *testing.T) {
	forEachGuard(t, func(t *testing.T, repos *Repositories, _ cache.HashStore) {
		ctx := context.Background()

		rate, err := repos.SystemRates.Save(ctx, parameter.NewSystemRate("TIIE", decimal.RequireFromString("11.25")))
		require.NoError(t, err)

		require.NoError(t, repos.SystemRates.Delete(ctx, rate))
		require.NoError(t, repos.SystemRates.Delete(ctx, rate))
		require.NoError(t, repos.SystemRates.DeleteByID(ctx, rate.ID))
		require.NoError(t, repos.SystemRates.DeleteByID(ctx, "_Rnever-existed"))

		found, err := repos.SystemRates.FindByID(ctx, rate.ID)
		require.NoError(t, err)
		assert.Nil(t, found)

		exists, err := repos.SystemRates.ExistsByName(ctx, "TIIE")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = repos.SystemRates.Save(ctx, parameter.NewSystemRate("TIIE", decimal.RequireFromString("11.50")))
		require.NoError(t, err, "name is free after delete")
	})
}

func TestDeleteAll_ClearsTableAndNames(t *testing.T) {
	forEachGuard(t, func(t *testing.T, repos *Repositories, store cache.HashStore) {
		ctx := context.Background()

		results := repos.DocumentTypes.SaveAll(ctx, []parameter.DocumentType{
			parameter.NewDocumentType("INE", "10Y"),
			parameter.NewDocumentType("RFC", "1Y"),
		})
		_, failed := shared.SplitResults(results)
		require.Empty(t, failed)

		require.NoError(t, repos.DocumentTypes.DeleteAll(ctx))

		count, err := repos.DocumentTypes.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)

		n, err := store.HLen(ctx, DocumentTypeKind.NamesTable())
		require.NoError(t, err)
		assert.Zero(t, n)

		all, err := repos.DocumentTypes.FindAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		_, err = repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("INE", "10Y"))
		require.NoError(t, err)
	})
}

func TestSaveAll_ReportsEachItem(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepositories(t, cache.NewInMemoryHashStore())

	results := repos.DocumentTypes.SaveAll(ctx, []parameter.DocumentType{
		parameter.NewDocumentType("INE", "10Y"),
		parameter.NewDocumentType("INE", "5Y"),
		parameter.NewDocumentType("", "1Y"),
		parameter.NewDocumentType("RFC", "1Y"),
	})
	require.Len(t, results, 4)

	saved, failed := shared.SplitResults(results)
	assert.Len(t, saved, 2)
	require.Len(t, failed, 2)
	assert.ErrorIs(t, results[1].Err, shared.ErrDuplicateName)
	assert.ErrorIs(t, results[2].Err, shared.ErrValidation)

	count, err := repos.DocumentTypes.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestSaveFrom_Unsupported(t *testing.T) {
	repos := newTestRepositories(t, cache.NewInMemoryHashStore())

	err := repos.DocumentTypes.SaveFrom(context.Background(), slices.Values([]parameter.DocumentType{
		parameter.NewDocumentType("INE", "10Y"),
	}))
	assert.ErrorIs(t, err, shared.ErrUnsupportedOperation)
}

func TestFindAllByID_SkipsUnknown(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepositories(t, cache.NewInMemoryHashStore())

	a, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("A", "1m"))
	require.NoError(t, err)
	b, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("B", "2m"))
	require.NoError(t, err)

	found, err := repos.DocumentTypes.FindAllByID(ctx, []string{a.ID, "_Rmissing", b.ID})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, a.ID, found[0].ID)
	assert.Equal(t, b.ID, found[1].ID)

	require.NoError(t, repos.DocumentTypes.DeleteAllByID(ctx, []string{a.ID, "_Rmissing"}))
	count, err := repos.DocumentTypes.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRoundTrip_Codecs(t *testing.T) {
	cborCodec, err := NewCBORCodec()
	require.NoError(t, err)

	for _, codec := range []Codec{JSONCodec{}, cborCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := context.Background()
			repos := newTestRepositories(t, cache.NewInMemoryHashStore(),
				WithCodec(codec), WithIdentityAllocator(NewULIDAllocator()))

			rate, err := repos.SystemRates.Save(ctx, parameter.NewSystemRate("TIIE", decimal.RequireFromString("11.2534")))
			require.NoError(t, err)
			date, err := repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeReprocess, parameter.DateOf(2024, 2, 29)))
			require.NoError(t, err)
			doc, err := repos.DocumentTypes.Save(ctx, parameter.NewDocumentType("Comprobante de domicilio", "3m"))
			require.NoError(t, err)

			gotRate, err := repos.SystemRates.FindByID(ctx, rate.ID)
			require.NoError(t, err)
			assert.Equal(t, rate.ID, gotRate.ID)
			assert.Equal(t, rate.Name, gotRate.Name)
			assert.True(t, rate.Rate.Equal(gotRate.Rate))

			gotDate, err := repos.SystemDates.FindByDayType(ctx, parameter.DayTypeReprocess)
			require.NoError(t, err)
			require.NotNil(t, gotDate)
			assert.Equal(t, date.ID, gotDate.ID)
			assert.Equal(t, "2024-02-29", gotDate.Day.String())

			gotDoc, err := repos.DocumentTypes.FindByID(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, doc, *gotDoc)
		})
	}
}

func TestIndexGuard_ConcurrentCreateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryHashStore()
	repos := newTestRepositories(t, store, WithUniqueness(config.UniquenessIndex))

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := repos.SystemDates.Save(ctx,
				parameter.NewSystemDate(parameter.DayTypeTomorrow, parameter.DateOf(2023, 9, 16).AddDays(i)))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, shared.ErrDuplicateName)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	count, err := repos.SystemDates.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestIndexGuard_ReclaimsStaleEntry(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryHashStore()
	repos := newTestRepositories(t, store)

	// an index entry left behind by an owner that no longer exists
	require.NoError(t, store.HSet(ctx, SystemRateKind.NamesTable(), "TIIE", []byte("_Rgone")))

	exists, err := repos.SystemRates.ExistsByName(ctx, "TIIE")
	require.NoError(t, err)
	assert.False(t, exists)

	saved, err := repos.SystemRates.Save(ctx, parameter.NewSystemRate("TIIE", decimal.RequireFromString("11.25")))
	require.NoError(t, err)

	owner, ok, err := store.HGet(ctx, SystemRateKind.NamesTable(), "TIIE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved.ID, string(owner))
}

func TestNewHashRepository_UnknownStrategy(t *testing.T) {
	_, err := NewRepositories(cache.NewInMemoryHashStore(), WithUniqueness("bloom"))
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(config.CacheConfig{
		IDStrategy:         config.IDStrategyULID,
		Uniqueness:         config.UniquenessScan,
		MissingPredecessor: config.MissingPredecessorReject,
		Codec:              config.CodecCBOR,
	})
	require.NoError(t, err)

	repos := newTestRepositories(t, cache.NewInMemoryHashStore(), opts...)
	assert.IsType(t, &scanGuard{}, repos.SystemRates.guard)
	assert.IsType(t, &CBORCodec{}, repos.SystemRates.codec)
	assert.IsType(t, &ULIDAllocator{}, repos.SystemRates.ids)
	assert.True(t, repos.SystemRates.rejectMissing)

	_, err = OptionsFromConfig(config.CacheConfig{Codec: "xml"})
	assert.Error(t, err)
}

func TestHashRepository_Redis(t *testing.T) {
	client := cachetest.NewRedisClient(t)
	ctx := context.Background()
	store := cache.NewRedisHashStoreWithClient(client, "it:")
	repos := newTestRepositories(t, store)

	created, err := repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2023, 9, 15)))
	require.NoError(t, err)

	_, err = repos.SystemDates.Save(ctx, parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2023, 9, 16)))
	assert.ErrorIs(t, err, shared.ErrDuplicateName)

	created.Day = parameter.NewDate(time.Date(2023, 9, 18, 15, 4, 0, 0, time.UTC))
	updated, err := repos.SystemDates.Save(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)

	_, err = repos.SystemDates.Save(ctx, created)
	assert.ErrorIs(t, err, shared.ErrVersionConflict)

	keys, err := client.Keys(ctx, "it:*").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"it:SYSTEM_DATE", "it:SYSTEM_DATE:NAMES"}, keys)

	require.NoError(t, repos.SystemDates.DeleteAll(ctx))
	count, err := repos.SystemDates.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
