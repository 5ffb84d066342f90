// Package config validates the storage core's enumerated configuration
// surface (spec §6 "Config surface (enumerated)").
package config

import (
	"github.com/pkg/errors"

	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/storageerr"
)

// UtilizationLevel mirrors mempool.UtilizationLevel for the config
// surface, keeping config free of a direct mempool import requirement
// on callers that only need to parse flags.
type UtilizationLevel = mempool.UtilizationLevel

const (
	UtilizationLow    = mempool.UtilizationLow
	UtilizationMedium = mempool.UtilizationMedium
	UtilizationHigh   = mempool.UtilizationHigh
)

// Options is the validated config.Options struct of spec §6.
type Options struct {
	PageSize               int
	MaximumPoolSize        int64
	UtilizationLevel       UtilizationLevel
	FileStructureBlockSize int64
	HeaderBlockCount       int
	// UseDirectIO requests O_DIRECT file access. filestream.Open only
	// honors it when FileStructureBlockSize is aligned to the platform's
	// direct-I/O block size; otherwise it silently falls back to
	// buffered I/O.
	UseDirectIO      bool
	ImportPaths      []string
	ImportExtensions []string
}

// Default returns the canonical defaults named in spec §6: a 64 KiB
// page, auto-derived pool size, medium utilization, a block size equal
// to the page size, and ten header slots.
func Default() Options {
	return Options{
		PageSize:               64 * 1024,
		MaximumPoolSize:        -1,
		UtilizationLevel:       UtilizationMedium,
		FileStructureBlockSize: 64 * 1024,
		HeaderBlockCount:       10,
		UseDirectIO:            false,
	}
}

// Validate checks every field against the bounds enumerated in spec §6,
// returning the first violation found.
func (o Options) Validate() error {
	if o.PageSize < mempool.MinimumPageSize || o.PageSize > mempool.MaximumPageSize || !isPowerOfTwo(o.PageSize) {
		return storageerr.Newf(storageerr.OutOfRange, "config: pageSize %d must be a power of two in [%d,%d]", o.PageSize, mempool.MinimumPageSize, mempool.MaximumPageSize)
	}
	if o.MaximumPoolSize != -1 && o.MaximumPoolSize < 10*1024*1024 {
		return storageerr.Newf(storageerr.OutOfRange, "config: maximumPoolSize %d must be -1 (auto) or >= 10 MiB", o.MaximumPoolSize)
	}
	switch o.UtilizationLevel {
	case UtilizationLow, UtilizationMedium, UtilizationHigh:
	default:
		return storageerr.Newf(storageerr.OutOfRange, "config: utilizationLevel %v is not one of Low/Medium/High", o.UtilizationLevel)
	}
	if o.FileStructureBlockSize <= 0 || !isPowerOfTwo(int(o.FileStructureBlockSize)) {
		return storageerr.Newf(storageerr.OutOfRange, "config: fileStructureBlockSize %d must be a power of two", o.FileStructureBlockSize)
	}
	if o.FileStructureBlockSize > int64(o.PageSize) {
		return storageerr.Newf(storageerr.OutOfRange, "config: fileStructureBlockSize %d must be <= pageSize %d", o.FileStructureBlockSize, o.PageSize)
	}
	if o.HeaderBlockCount < 1 || o.HeaderBlockCount > 10 {
		return storageerr.Newf(storageerr.OutOfRange, "config: headerBlockCount %d must be in [1,10]", o.HeaderBlockCount)
	}
	for _, p := range o.ImportPaths {
		if p == "" {
			return errors.New("config: importPaths entries must not be empty")
		}
	}
	return nil
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }
