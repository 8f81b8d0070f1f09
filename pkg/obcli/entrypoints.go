// CLI for the obsync storage: file operations against the local encrypted
// store, sync control and the long-running serve mode.
package obcli

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/taskrunner"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/obsync/obsync/pkg/obapi"
	"github.com/obsync/obsync/pkg/obremote"
	"github.com/obsync/obsync/pkg/obstore"
	"github.com/obsync/obsync/pkg/obtypes"
)

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		configInitEntrypoint(),
		configPrintEntrypoint(),
		lsEntrypoint(),
		catEntrypoint(),
		putEntrypoint(),
		mkdirEntrypoint(),
		rmEntrypoint(),
		mvEntrypoint(),
		statusEntrypoint(),
		versionsEntrypoint(),
		syncEntrypoint(),
		adoptEntrypoint(),
		serveEntrypoint(),
	}
}

func openStore(logger *log.Logger) (*obstore.Store, error) {
	conf, err := ReadConfig()
	if err != nil {
		return nil, err
	}

	key, err := conf.Key()
	if err != nil {
		return nil, err
	}

	remote, err := obremote.NewS3Remote(conf.Remote, logex.Prefix("s3", logger))
	if err != nil {
		return nil, err
	}

	return obstore.New(obstore.Config{
		RootDir: conf.StorageRoot,
		Key:     key,
	}, remote, logger)
}

// runs fn against an opened store, with interrupt/terminate cancelling ctx
func withStore(fn func(ctx context.Context, store *obstore.Store) error) error {
	rootLogger := logex.StandardLogger()

	ctx := osutil.CancelOnInterruptOrTerminate(rootLogger)

	store, err := openStore(rootLogger)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, store)
}

func lsEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "Lists a folder",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				listing, err := store.ListFolder(ctx, args[0])
				if err != nil {
					return err
				}

				for _, name := range sortedNames(listing) {
					node := listing.Nodes[name]
					if node.IsFolder {
						fmt.Printf("%s/\n", name)
					} else {
						fmt.Println(name)
					}
				}

				return nil
			}))
		},
	}
}

func catEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "cat [path]",
		Short: "Outputs a file's content",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				content, err := store.ReadFile(ctx, args[0])
				if err != nil {
					return err
				}

				_, err = os.Stdout.Write(content)
				return err
			}))
		},
	}
}

func putEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "put [localFile] [path]",
		Short: "Stores a local file at the given path",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				content, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}

				err = store.CreateFile(ctx, args[1], content)
				if obtypes.IsFileError(err, obtypes.FileErrAlreadyExists) {
					return store.WriteFile(ctx, args[1], content, nil)
				}

				return err
			}))
		},
	}
}

func mkdirEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir [path]",
		Short: "Creates a folder",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				return store.CreateFolder(ctx, args[0])
			}))
		},
	}
}

func rmEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [path]",
		Short: "Removes a file or an empty folder",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				return store.Remove(ctx, args[0])
			}))
		},
	}
}

func mvEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "mv [path] [newName]",
		Short: "Renames an entry within its folder",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				return store.Rename(ctx, args[0], args[1])
			}))
		},
	}
}

func statusEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "status [path]",
		Short: "Shows sync status of a folder's entries",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				return printStatusTable(ctx, store, args[0])
			}))
		},
	}
}

func printStatusTable(ctx context.Context, store *obstore.Store, path string) error {
	listing, err := store.ListFolder(ctx, path)
	if err != nil {
		return err
	}

	rows := [][]string{}

	for _, name := range sortedNames(listing) {
		node := listing.Nodes[name]

		kind := "file"
		if node.IsFolder {
			kind = "folder"
		}

		status, err := store.SyncStatusOf(ctx, joinPath(path, name))
		if err != nil {
			return err
		}

		rows = append(rows, []string{name, kind, status.State.String()})
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		for _, row := range rows {
			fmt.Printf("%s\t%s\t%s\n", row[0], row[1], row[2])
		}
		return nil
	}

	tblBuilder := tablewriter.NewWriter(os.Stdout)
	tblBuilder.SetAutoFormatHeaders(false)
	tblBuilder.SetBorder(false)
	tblBuilder.SetHeader([]string{"Name", "Type", "State"})

	for _, row := range rows {
		tblBuilder.Append(row)
	}

	tblBuilder.Render()

	return nil
}

func versionsEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "versions [path]",
		Short: "Lists known versions of an object and which sides hold them",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				entries, err := store.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}

				for _, entry := range entries {
					sides := []string{}
					if entry.Local {
						sides = append(sides, "local")
					}
					if entry.Synced {
						sides = append(sides, "synced")
					}
					if entry.Remote {
						sides = append(sides, "remote")
					}
					if entry.Archived {
						sides = append(sides, "archived")
					}

					fmt.Printf("v%d\t%s\n", entry.Version, strings.Join(sides, ","))
				}

				return nil
			}))
		},
	}
}

func syncEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Runs one sync sweep: pushes pending changes, reconciles with the server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				return store.SyncSweep(ctx)
			}))
		},
	}
}

func adoptEntrypoint() *cobra.Command {
	version := uint64(0)

	cmd := &cobra.Command{
		Use:   "adopt [path]",
		Short: "Adopts the server's version of an object, discarding local edits",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(func(ctx context.Context, store *obstore.Store) error {
				// a conflicting object requires naming the version explicitly
				var ref *obtypes.Version
				if version != 0 {
					ref = obtypes.VersionRef(obtypes.Version(version))
				}

				return store.AdoptRemote(ctx, args[0], ref)
			}))
		},
	}

	cmd.Flags().Uint64VarP(&version, "version", "", version, "Remote version to adopt (0 = server current)")

	return cmd
}

func serveEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the periodic sync sweep and the local status API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			ctx := osutil.CancelOnInterruptOrTerminate(rootLogger)

			osutil.ExitIfError(serve(ctx, rootLogger))
		},
	}
}

func serve(ctx context.Context, logger *log.Logger) error {
	conf, err := ReadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.StartSweeping(conf.Schedule); err != nil {
		return err
	}

	tasks := taskrunner.New(ctx, logger)

	tasks.Start("httpapi", func(ctx context.Context) error {
		return obapi.Serve(ctx, conf.ApiAddr, store, logex.Prefix("httpapi", logger))
	})

	return tasks.Wait()
}

func sortedNames(listing *obtypes.FolderInfo) []string {
	names := []string{}
	for name := range listing.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func joinPath(folder string, name string) string {
	if folder == "" || folder == "/" {
		return "/" + name
	}

	return folder + "/" + name
}
