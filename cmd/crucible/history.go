package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [branch]",
	Short: "Show the version graph",
	Long: `List branches in the version graph, or the commit history of one
branch from its head backwards. Each accepted task commits one version
on its request's branch; merge versions carry two parents.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum versions to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	db, err := openExistingDB()
	if err != nil {
		return err
	}
	defer db.Close()

	heads, err := db.ListBranchHeads()
	if err != nil {
		return fmt.Errorf("list branch heads: %w", err)
	}
	if len(heads) == 0 {
		fmt.Println("no versions committed yet")
		return nil
	}

	if len(args) == 0 {
		branches := make([]string, 0, len(heads))
		for b := range heads {
			branches = append(branches, b)
		}
		sort.Strings(branches)

		fmt.Println("Branches:")
		for _, b := range branches {
			head, err := db.GetVersion(heads[b])
			if err != nil || head == nil {
				fmt.Printf("  %s -> %s\n", b, shortID(heads[b]))
				continue
			}
			fmt.Printf("  %s -> %s  %s\n", b, shortID(head.ID), head.Message)
		}
		return nil
	}

	branch := args[0]
	if _, ok := heads[branch]; !ok {
		return fmt.Errorf("branch %q not found", branch)
	}

	versions, err := db.ListVersionsByBranch(branch)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}

	fmt.Printf("Branch %s (%d version(s)):\n", branch, len(versions))
	shown := 0
	for _, v := range versions {
		if shown >= historyLimit {
			fmt.Printf("  ... %d more\n", len(versions)-shown)
			break
		}
		marker := " "
		if v.ID == heads[branch] {
			marker = "*"
		}
		parents := "root"
		if len(v.ParentIDs) > 0 {
			short := make([]string, len(v.ParentIDs))
			for i, p := range v.ParentIDs {
				short[i] = shortID(p)
			}
			parents = strings.Join(short, ", ")
		}
		fmt.Printf("  %s %s  %s  %s  (parents: %s)\n",
			marker, shortID(v.ID), v.CreatedAt.Local().Format("2006-01-02 15:04"), v.Message, parents)
		shown++
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
