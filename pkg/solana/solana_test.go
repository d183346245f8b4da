package solana

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testMigration   = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")
	testMint        = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	testDestination = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
)

func testPrograms() Programs {
	return DefaultPrograms(testMigration, testMint)
}

func TestDerivationIsDeterministic(t *testing.T) {
	p := testPrograms()

	a1, err := TokenAccount(p, testDestination)
	require.NoError(t, err)
	a2, err := TokenAccount(p, testDestination)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	s1, err := StateAccount(p)
	require.NoError(t, err)
	s2, err := StateAccount(p)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	m1, err := MigrationRecordAccount(p, testDestination)
	require.NoError(t, err)
	m2, err := MigrationRecordAccount(p, testDestination)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)

	assert.NotEqual(t, s1, m1)
}

func TestDerivationMatchesProgramAddress(t *testing.T) {
	p := testPrograms()

	want, _, err := solana.FindAssociatedTokenAddress(testDestination, testMint)
	require.NoError(t, err)
	got, err := TokenAccount(p, testDestination)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wantRecord, _, err := solana.FindProgramAddress([][]byte{[]byte("migration"), testDestination[:]}, testMigration)
	require.NoError(t, err)
	gotRecord, err := MigrationRecordAccount(p, testDestination)
	require.NoError(t, err)
	assert.Equal(t, wantRecord, gotRecord)
}

func TestDeriveMigrateAccounts(t *testing.T) {
	p := testPrograms()
	admin := solana.NewWallet().PublicKey()

	a, err := DeriveMigrateAccounts(p, admin, testDestination)
	require.NoError(t, err)
	assert.Equal(t, admin, a.Admin)
	assert.Equal(t, testDestination, a.Destination)

	adminATA, err := TokenAccount(p, admin)
	require.NoError(t, err)
	assert.Equal(t, adminATA, a.AdminTokenAccount)
	assert.NotEqual(t, a.AdminTokenAccount, a.DestinationTokenAccount)
}

func TestMigrateInstructionData(t *testing.T) {
	data, err := MigrateInstructionData(5_000_000_000)
	require.NoError(t, err)
	require.Len(t, data, 16)

	h := sha256.Sum256([]byte("global:migrate"))
	assert.Equal(t, h[:8], data[:8])
	assert.Equal(t, uint64(5_000_000_000), binary.LittleEndian.Uint64(data[8:]))

	// The shared discriminator must not be modified by encoding.
	again, err := MigrateInstructionData(1)
	require.NoError(t, err)
	assert.Equal(t, h[:8], again[:8])
}

func TestNewMigrateInstruction(t *testing.T) {
	p := testPrograms()
	admin := solana.NewWallet().PublicKey()
	a, err := DeriveMigrateAccounts(p, admin, testDestination)
	require.NoError(t, err)

	ix, err := NewMigrateInstruction(p, a, 42)
	require.NoError(t, err)
	assert.Equal(t, testMigration, ix.ProgramID())

	accounts := ix.Accounts()
	require.Len(t, accounts, 10)
	wantOrder := []solana.PublicKey{
		a.MigrationRecord, a.State, a.DestinationTokenAccount, a.AdminTokenAccount, admin,
		testDestination, testMint, solana.TokenProgramID, solana.SystemProgramID, solana.SPLAssociatedTokenAccountProgramID,
	}
	for i, want := range wantOrder {
		assert.Equal(t, want, accounts[i].PublicKey, "account %d", i)
	}
	assert.True(t, accounts[0].IsWritable)
	assert.True(t, accounts[4].IsSigner)
	for i, m := range accounts {
		if i != 4 {
			assert.False(t, m.IsSigner, "account %d", i)
		}
	}
}

func TestNewCreateTokenAccountInstruction(t *testing.T) {
	p := testPrograms()
	payer := solana.NewWallet().PublicKey()
	ata, err := TokenAccount(p, testDestination)
	require.NoError(t, err)

	ix := NewCreateTokenAccountInstruction(p, payer, ata, testDestination)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)

	accounts := ix.Accounts()
	require.Len(t, accounts, 6)
	assert.Equal(t, &solana.AccountMeta{PublicKey: payer, IsWritable: true, IsSigner: true}, accounts[0])
	assert.Equal(t, &solana.AccountMeta{PublicKey: ata, IsWritable: true}, accounts[1])
	assert.Equal(t, &solana.AccountMeta{PublicKey: testDestination}, accounts[2])
	assert.Equal(t, &solana.AccountMeta{PublicKey: testMint}, accounts[3])
	assert.Equal(t, &solana.AccountMeta{PublicKey: solana.SystemProgramID}, accounts[4])
	assert.Equal(t, &solana.AccountMeta{PublicKey: solana.TokenProgramID}, accounts[5])
}

func TestParsePrivateKey(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	got, err := ParsePrivateKey(" " + key.String() + "\n")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	j, err := json.Marshal(ints)
	require.NoError(t, err)
	got, err = ParsePrivateKey(string(j))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ParsePrivateKey(base58.Encode(key[:32]))
	assert.ErrorIs(t, err, ErrInvalidKey)

	corrupt := make([]byte, len(key))
	copy(corrupt, key)
	corrupt[40] ^= 0xff
	_, err = ParsePrivateKey(base58.Encode(corrupt))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParsePrivateKey("[1, 2, 300]")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// fakeRPC is a minimal Solana JSON-RPC endpoint.
type fakeRPC struct {
	mu       sync.Mutex
	calls    map[string]int
	statuses []string // confirmation status returned per getSignatureStatuses call
	txErr    interface{}
	account  bool
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	n := f.calls[req.Method]
	f.calls[req.Method]++
	f.mu.Unlock()

	var result interface{}
	switch req.Method {
	case "getAccountInfo":
		if f.account {
			result = map[string]interface{}{
				"context": map[string]interface{}{"slot": 1},
				"value": map[string]interface{}{
					"data": []string{"", "base64"}, "executable": false, "lamports": 1,
					"owner": solana.TokenProgramID.String(), "rentEpoch": 0,
				},
			}
		} else {
			result = map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": nil}
		}
	case "getLatestBlockhash":
		result = map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value": map[string]interface{}{
				"blockhash":            solana.HashFromBytes(make([]byte, 32)).String(),
				"lastValidBlockHeight": 100,
			},
		}
	case "sendTransaction":
		result = solana.SignatureFromBytes(make([]byte, 64)).String()
	case "getSignatureStatuses":
		status := f.statuses[len(f.statuses)-1]
		if n < len(f.statuses) {
			status = f.statuses[n]
		}
		var value interface{}
		if status != "" {
			value = map[string]interface{}{"slot": 1, "confirmations": nil, "err": f.txErr, "confirmationStatus": status}
		}
		result = map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": []interface{}{value}}
	default:
		http.Error(w, fmt.Sprintf("unexpected method %s", req.Method), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newTestClient(t *testing.T, f *fakeRPC, commitment rpc.CommitmentType) *Client {
	t.Helper()
	f.calls = map[string]int{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	admin, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return NewClient(zap.NewNop(), srv.URL, admin, testPrograms(), Config{
		Commitment:     commitment,
		ConfirmTimeout: 5 * time.Second,
	})
}

func TestAccountExists(t *testing.T) {
	f := &fakeRPC{}
	c := newTestClient(t, f, rpc.CommitmentFinalized)

	ok, err := c.AccountExists(context.Background(), testDestination)
	require.NoError(t, err)
	assert.False(t, ok)

	f.account = true
	ok, err = c.AccountExists(context.Background(), testDestination)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendAndConfirm(t *testing.T) {
	f := &fakeRPC{statuses: []string{"", "confirmed", "finalized"}}
	c := newTestClient(t, f, rpc.CommitmentFinalized)

	ix := NewCreateTokenAccountInstruction(c.Programs(), c.Admin(), testDestination, testDestination)
	sig, err := c.SendAndConfirm(context.Background(), ix)
	require.NoError(t, err)
	assert.Equal(t, solana.SignatureFromBytes(make([]byte, 64)), sig)
	assert.Equal(t, 3, f.calls["getSignatureStatuses"])
	assert.Equal(t, 1, f.calls["sendTransaction"])
}

func TestSendAndConfirmConfirmedCommitment(t *testing.T) {
	f := &fakeRPC{statuses: []string{"confirmed"}}
	c := newTestClient(t, f, rpc.CommitmentConfirmed)

	_, err := c.SendAndConfirm(context.Background(), NewCreateTokenAccountInstruction(c.Programs(), c.Admin(), testDestination, testDestination))
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls["getSignatureStatuses"])
}

func TestSendAndConfirmTransactionError(t *testing.T) {
	f := &fakeRPC{
		statuses: []string{"finalized"},
		txErr:    map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}},
	}
	c := newTestClient(t, f, rpc.CommitmentFinalized)

	_, err := c.SendAndConfirm(context.Background(), NewCreateTokenAccountInstruction(c.Programs(), c.Admin(), testDestination, testDestination))
	require.ErrorIs(t, err, ErrTransactionFailed)
	assert.Equal(t, 1, f.calls["getSignatureStatuses"], "failed transactions are not polled again")
}

func TestReached(t *testing.T) {
	c := &Client{cfg: Config{Commitment: rpc.CommitmentFinalized}}
	assert.False(t, c.reached(rpc.ConfirmationStatusConfirmed))
	assert.True(t, c.reached(rpc.ConfirmationStatusFinalized))

	c.cfg.Commitment = rpc.CommitmentConfirmed
	assert.True(t, c.reached(rpc.ConfirmationStatusConfirmed))
	assert.False(t, c.reached(rpc.ConfirmationStatusProcessed))
}
