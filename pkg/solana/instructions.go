package solana

import (
	"crypto/sha256"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"
)

// createAssociatedTokenAccount is the associated token program's "Create" instruction tag.
const createAssociatedTokenAccount byte = 0

// NewCreateTokenAccountInstruction builds the instruction creating owner's associated token account, paid for by payer.
func NewCreateTokenAccountInstruction(p Programs, payer, tokenAccount, owner solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(p.AssociatedToken, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(tokenAccount, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(p.Mint, false, false),
		solana.NewAccountMeta(p.System, false, false),
		solana.NewAccountMeta(p.Token, false, false),
	}, []byte{createAssociatedTokenAccount})
}

// anchorDiscriminator returns the 8 byte prefix Anchor programs use to select a global instruction.
func anchorDiscriminator(name string) [8]byte {
	var d [8]byte
	h := sha256.Sum256([]byte("global:" + name))
	copy(d[:], h[:8])
	return d
}

var migrateDiscriminator = anchorDiscriminator("migrate")

type migrateArgs struct {
	Amount uint64
}

// MigrateInstructionData encodes the migrate instruction payload: discriminator followed by the borsh encoded amount.
func MigrateInstructionData(amount uint64) ([]byte, error) {
	args, err := borsh.Serialize(migrateArgs{Amount: amount})
	if err != nil {
		return nil, fmt.Errorf("failed to encode migrate arguments: %w", err)
	}
	return append(migrateDiscriminator[:], args...), nil
}

// NewMigrateInstruction builds the migration program's migrate instruction crediting amount to a.Destination.
func NewMigrateInstruction(p Programs, a MigrateAccounts, amount uint64) (solana.Instruction, error) {
	data, err := MigrateInstructionData(amount)
	if err != nil {
		return nil, err
	}

	return solana.NewInstruction(p.Migration, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.MigrationRecord, true, false),
		solana.NewAccountMeta(a.State, true, false),
		solana.NewAccountMeta(a.DestinationTokenAccount, true, false),
		solana.NewAccountMeta(a.AdminTokenAccount, true, false),
		solana.NewAccountMeta(a.Admin, true, true),
		solana.NewAccountMeta(a.Destination, false, false),
		solana.NewAccountMeta(p.Mint, false, false),
		solana.NewAccountMeta(p.Token, false, false),
		solana.NewAccountMeta(p.System, false, false),
		solana.NewAccountMeta(p.AssociatedToken, false, false),
	}, data), nil
}
