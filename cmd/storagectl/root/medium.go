package root

import (
	"os"

	"github.com/google/uuid"

	"github.com/openhistorian/storage-core/config"
	"github.com/openhistorian/storage-core/internal/bufferedfile"
	"github.com/openhistorian/storage-core/internal/diskmedium"
	"github.com/openhistorian/storage-core/internal/filestream"
	"github.com/openhistorian/storage-core/internal/mempool"
)

const fileIDNumber = uint16(1)

// openMedium opens (or creates) a file-backed DiskMedium at path using
// cfg's block size and header slot count.
func openMedium(path string, cfg config.Options) (*diskmedium.DiskMedium, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	_, statErr := os.Stat(path)
	isNewFile := os.IsNotExist(statErr)

	stream, err := filestream.Open(path, filestream.Options{
		IOPageSize:             cfg.PageSize,
		FileStructureBlockSize: int(cfg.FileStructureBlockSize),
		UseDirectIO:            cfg.UseDirectIO,
	})
	if err != nil {
		return nil, nil, err
	}

	pool, err := mempool.New(cfg.PageSize, cfg.MaximumPoolSize, mempool.WithUtilizationLevel(cfg.UtilizationLevel))
	if err != nil {
		stream.Close()
		return nil, nil, err
	}

	// indices 0..HeaderBlockCount inclusive are reserved (spec §6); a
	// fresh file's committed region must already span all of them.
	newHeader := bufferedfile.FileHeaderBlock{
		BlockSize:          int32(cfg.FileStructureBlockSize),
		HeaderBlockCount:   int32(cfg.HeaderBlockCount),
		LastAllocatedBlock: int32(cfg.HeaderBlockCount),
		ArchiveID:          uuid.New(),
	}
	dm, err := diskmedium.NewFile(stream, pool, cfg.FileStructureBlockSize, cfg.HeaderBlockCount, fileIDNumber, isNewFile, newHeader)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	return dm, func() { stream.Close() }, nil
}
