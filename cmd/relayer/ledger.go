package relayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/voipfinance/bridge-relayer/pkg/db"
	"go.uber.org/zap"
)

var (
	ledgerDataDir *string
	ledgerDBURL   *string
	listStates    *[]string
)

func init() {
	ledgerDataDir = LedgerCmd.PersistentFlags().String("dataDir", "", "Data directory holding the settlement ledger")
	ledgerDBURL = LedgerCmd.PersistentFlags().String("ledgerURL", "", "postgres:// URL of a shared settlement ledger (overrides --dataDir)")

	listStates = ledgerListCmd.Flags().StringSlice("state", nil, "Only list settlements in these states (e.g. FINALIZE_FAILED,FINALIZE_ABANDONED)")

	LedgerCmd.AddCommand(ledgerListCmd)
	LedgerCmd.AddCommand(ledgerCursorCmd)
}

// LedgerCmd groups the settlement ledger inspection commands
var LedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the settlement ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print settlement records as JSON lines, oldest first",
	RunE:  runLedgerList,
}

var ledgerCursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Print the block the relayer resumes catch-up after",
	RunE:  runLedgerCursor,
}

func openLedgerForCmd() (db.Ledger, error) {
	if *ledgerDataDir == "" && *ledgerDBURL == "" {
		return nil, fmt.Errorf("please specify --dataDir or --ledgerURL")
	}
	return db.OpenLedger(zap.NewNop(), *ledgerDBURL, ledgerDataDir)
}

func parseStates(in []string) ([]db.SettlementState, error) {
	known := map[db.SettlementState]bool{}
	for _, s := range db.AllSettlementStates {
		known[s] = true
	}
	out := make([]db.SettlementState, 0, len(in))
	for _, s := range in {
		st := db.SettlementState(strings.ToUpper(strings.TrimSpace(s)))
		if !known[st] {
			return nil, fmt.Errorf("unknown settlement state %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

func writeRecords(w io.Writer, records []*db.SettlementRecord) error {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber < records[j].BlockNumber
		}
		return records[i].LogIndex < records[j].LogIndex
	})
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	states, err := parseStates(*listStates)
	if err != nil {
		return err
	}
	ledger, err := openLedgerForCmd()
	if err != nil {
		return err
	}
	defer ledger.Close()

	records, err := ledger.ListSettlements(states...)
	if err != nil {
		return err
	}
	return writeRecords(cmd.OutOrStdout(), records)
}

func runLedgerCursor(cmd *cobra.Command, args []string) error {
	ledger, err := openLedgerForCmd()
	if err != nil {
		return err
	}
	defer ledger.Close()

	cursor, err := ledger.GetCursor()
	if errors.Is(err, db.ErrCursorNotFound) {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "no cursor persisted")
		return err
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), cursor)
	return err
}
