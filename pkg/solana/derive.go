package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Programs names the on-chain programs and the mint the relayer issues against.
type Programs struct {
	Migration       solana.PublicKey
	Mint            solana.PublicKey
	Token           solana.PublicKey
	System          solana.PublicKey
	AssociatedToken solana.PublicKey
}

// DefaultPrograms returns Programs using the well-known system, token and associated token program IDs.
func DefaultPrograms(migration, mint solana.PublicKey) Programs {
	return Programs{
		Migration:       migration,
		Mint:            mint,
		Token:           solana.TokenProgramID,
		System:          solana.SystemProgramID,
		AssociatedToken: solana.SPLAssociatedTokenAccountProgramID,
	}
}

var (
	stateSeed     = []byte("state")
	migrationSeed = []byte("migration")
)

// StateAccount derives the migration program's global state account.
func StateAccount(p Programs) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{stateSeed}, p.Migration)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive state account: %w", err)
	}
	return addr, nil
}

// MigrationRecordAccount derives the per-destination migration record account.
func MigrationRecordAccount(p Programs, destination solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{migrationSeed, destination.Bytes()}, p.Migration)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive migration record for %s: %w", destination, err)
	}
	return addr, nil
}

// TokenAccount derives owner's associated token account for the mint.
func TokenAccount(p Programs, owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{owner.Bytes(), p.Token.Bytes(), p.Mint.Bytes()}, p.AssociatedToken)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account for %s: %w", owner, err)
	}
	return addr, nil
}

// MigrateAccounts are the accounts the migrate instruction operates on.
type MigrateAccounts struct {
	MigrationRecord         solana.PublicKey
	State                   solana.PublicKey
	DestinationTokenAccount solana.PublicKey
	AdminTokenAccount       solana.PublicKey
	Admin                   solana.PublicKey
	Destination             solana.PublicKey
}

// DeriveMigrateAccounts derives every account the migrate instruction needs for a transfer to destination.
func DeriveMigrateAccounts(p Programs, admin, destination solana.PublicKey) (MigrateAccounts, error) {
	var (
		a   = MigrateAccounts{Admin: admin, Destination: destination}
		err error
	)
	if a.MigrationRecord, err = MigrationRecordAccount(p, destination); err != nil {
		return a, err
	}
	if a.State, err = StateAccount(p); err != nil {
		return a, err
	}
	if a.DestinationTokenAccount, err = TokenAccount(p, destination); err != nil {
		return a, err
	}
	if a.AdminTokenAccount, err = TokenAccount(p, admin); err != nil {
		return a, err
	}
	return a, nil
}
