package root

import (
	"github.com/spf13/cobra"

	"github.com/openhistorian/storage-core/config"
)

func newCreateCmd() *cobra.Command {
	var pageSize int
	var blockSize int64
	var headerSlots int
	var directIO bool

	cmd := &cobra.Command{
		Use:   "create <path>",
		Short: "create a new storage file with triplicate headers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.PageSize = pageSize
			cfg.FileStructureBlockSize = blockSize
			cfg.HeaderBlockCount = headerSlots
			cfg.UseDirectIO = directIO

			dm, closeFn, err := openMedium(args[0], cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			h := dm.Header()
			cmd.Printf("created %s: blockSize=%d headerBlockCount=%d archiveId=%s\n", args[0], h.BlockSize, h.HeaderBlockCount, h.ArchiveID)
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 64*1024, "pool/IO page size in bytes")
	cmd.Flags().Int64Var(&blockSize, "block-size", 64*1024, "file structure block size in bytes")
	cmd.Flags().IntVar(&headerSlots, "header-slots", 10, "number of triplicate header slots")
	cmd.Flags().BoolVar(&directIO, "direct-io", false, "use O_DIRECT I/O when block-size is aligned to the platform's direct-I/O block size")
	return cmd
}
