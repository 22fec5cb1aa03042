package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"labplane/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [dir]",
	Short: "Submit a directory as a lab",
	Long: `Bundle every regular file under a directory and ask a server to run it.

Hidden files and directories (names starting with ".") are skipped. The lab ID
defaults to the directory name.

Example:
  labctl submit ./hello --server local
  labctl submit . --lab-id intro-1 --server gpu-2`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		labID, _ := flags.GetString("lab-id")
		serverID, _ := flags.GetString("server")

		client := newClientFromConfig(cmd)
		if client == nil {
			return
		}

		if serverID == "" {
			cmd.Println("Error: --server is required")
			return
		}

		dir := args[0]
		if labID == "" {
			abs, err := filepath.Abs(dir)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return
			}
			labID = filepath.Base(abs)
		}

		files, err := bundleDir(dir)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if len(files) == 0 {
			cmd.Printf("Error: no files found in %s\n", dir)
			return
		}

		result, err := client.Submit(api.CreateInvocationRequest{
			ServerID: serverID,
			Lab:      api.Lab{ID: labID, Files: files},
		})
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}

		cmd.Printf("✓ Lab submitted!\nLab ID: %s (%d files)\nExecution ID: %s\n", labID, len(files), result.InvocationID)
	},
}

// bundleDir reads every visible regular file under dir.
// Names are relative to dir and use forward slashes.
func bundleDir(dir string) ([]api.LabFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []api.LabFile
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, api.LabFile{Name: filepath.ToSlash(rel), Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	return files, nil
}

func init() {
	flags := submitCmd.Flags()
	flags.String("lab-id", "", "ID of the lab (default: directory name)")
	flags.StringP("server", "s", "local", "Server that should run the lab")

	rootCmd.AddCommand(submitCmd)
}
