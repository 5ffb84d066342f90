package root

import (
	"github.com/spf13/cobra"

	"github.com/openhistorian/storage-core/config"
)

func newRollbackCmd() *cobra.Command {
	var pageSize int
	var blockSize int64
	var headerSlots int

	cmd := &cobra.Command{
		Use:   "rollback <path> <blockIndex>",
		Short: "write a new block without committing, then discard it via Rollback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockIndex, err := parseInt64(args[1])
			if err != nil {
				return err
			}

			cfg := config.Default()
			cfg.PageSize = pageSize
			cfg.FileStructureBlockSize = blockSize
			cfg.HeaderBlockCount = headerSlots

			dm, closeFn, err := openMedium(args[0], cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			before := dm.Header()

			sess := dm.CreateIoSession(false)
			if _, err := sess.WriteToNewBlock(blockIndex, 0, 0); err != nil {
				sess.Dispose()
				return err
			}
			sess.Dispose()

			dm.Rollback()

			after := dm.Header()
			cmd.Printf("rolled back: header unchanged = %t (snapshot %d)\n", before == after, after.SnapshotSequenceNumber)
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 64*1024, "pool/IO page size in bytes")
	cmd.Flags().Int64Var(&blockSize, "block-size", 64*1024, "file structure block size in bytes")
	cmd.Flags().IntVar(&headerSlots, "header-slots", 10, "number of triplicate header slots")
	return cmd
}
