package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/contracts"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/order"
)

var (
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	kitty = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	alice = common.HexToAddress("0x0000000000000000000000000000000000a11ce0")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// tokenNode answers balanceOf and ownerOf from maps, ABI-encoded like a node
// would, and records the block each call was made against.
type tokenNode struct {
	balances map[common.Address]map[common.Address]*big.Int // token -> owner -> balance
	owners   map[string]common.Address                      // erc721 key -> holder
	head     uint64

	mu         sync.Mutex
	heads      int
	callBlocks []*big.Int
}

func (n *tokenNode) BlockNumber(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.heads++
	return n.head, nil
}

func (n *tokenNode) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (n *tokenNode) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	n.mu.Lock()
	n.callBlocks = append(n.callBlocks, blockNumber)
	n.mu.Unlock()

	balanceOf := contracts.ERC20ABI.Methods["balanceOf"]
	ownerOf := contracts.ERC721ABI.Methods["ownerOf"]
	switch {
	case string(call.Data[:4]) == string(balanceOf.ID):
		args, err := balanceOf.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		bal := n.balances[*call.To][args[0].(common.Address)]
		if bal == nil {
			bal = new(big.Int)
		}
		return balanceOf.Outputs.Pack(bal)
	case string(call.Data[:4]) == string(ownerOf.ID):
		args, err := ownerOf.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		holder, ok := n.owners[assetdata.ERC721(*call.To, args[0].(*big.Int)).Key()]
		if !ok {
			return nil, errors.New("execution reverted: ERC721: invalid token ID")
		}
		return ownerOf.Outputs.Pack(holder)
	}
	return nil, fmt.Errorf("unexpected selector %x", call.Data[:4])
}

func TestTokenReaderReadSnapshot(t *testing.T) {
	node := &tokenNode{
		balances: map[common.Address]map[common.Address]*big.Int{
			weth: {alice: big.NewInt(500)},
		},
		owners: map[string]common.Address{
			assetdata.ERC721(kitty, big.NewInt(7)).Key(): bob,
			// held by someone outside the read set
			assetdata.ERC721(kitty, big.NewInt(8)).Key(): common.HexToAddress("0x01"),
		},
	}
	reader := NewTokenReader(node)

	snap, err := reader.ReadSnapshot(context.Background(),
		[]common.Address{alice, bob},
		[]assetdata.Data{
			assetdata.ERC20(weth),
			assetdata.ERC721(kitty, big.NewInt(7)),
			assetdata.ERC721(kitty, big.NewInt(8)),
		})
	require.NoError(t, err)

	assert.Equal(t, "500", snap.Balance(alice, weth).String())
	assert.Equal(t, "0", snap.Balance(bob, weth).String())
	assert.True(t, snap.Owns(bob, kitty, big.NewInt(7)))
	assert.Empty(t, snap.OwnedIDs(alice, kitty))
	assert.Len(t, snap.OwnedIDs(bob, kitty), 1)
}

func TestTokenReaderPinsHeadBlock(t *testing.T) {
	node := &tokenNode{
		balances: map[common.Address]map[common.Address]*big.Int{weth: {alice: big.NewInt(1)}},
		owners:   map[string]common.Address{assetdata.ERC721(kitty, big.NewInt(7)).Key(): bob},
		head:     1234,
	}
	_, err := NewTokenReader(node).ReadSnapshot(context.Background(),
		[]common.Address{alice, bob},
		[]assetdata.Data{assetdata.ERC20(weth), assetdata.ERC721(kitty, big.NewInt(7))})
	require.NoError(t, err)

	assert.Equal(t, 1, node.heads, "head is fetched once per snapshot")
	require.Len(t, node.callBlocks, 3)
	for _, b := range node.callBlocks {
		require.NotNil(t, b)
		assert.Equal(t, "1234", b.String())
	}
}

func TestTokenReaderReadSnapshotAt(t *testing.T) {
	node := &tokenNode{
		balances: map[common.Address]map[common.Address]*big.Int{weth: {alice: big.NewInt(1)}},
		head:     99,
	}
	_, err := NewTokenReader(node).ReadSnapshotAt(context.Background(), big.NewInt(42),
		[]common.Address{alice, bob}, []assetdata.Data{assetdata.ERC20(weth)})
	require.NoError(t, err)

	assert.Zero(t, node.heads)
	require.Len(t, node.callBlocks, 2)
	for _, b := range node.callBlocks {
		assert.Equal(t, "42", b.String())
	}
}

func TestTokenReaderRejectsCollections(t *testing.T) {
	reader := NewTokenReader(&tokenNode{})
	_, err := reader.ReadSnapshot(context.Background(), []common.Address{alice},
		[]assetdata.Data{{Kind: assetdata.NonFungible, Token: kitty}})
	require.ErrorIs(t, err, ErrCannotEnumerate)
}

func TestTokenReaderPropagatesCallErrors(t *testing.T) {
	reader := NewTokenReader(&tokenNode{owners: map[string]common.Address{}})
	_, err := reader.ReadSnapshot(context.Background(), []common.Address{alice},
		[]assetdata.Data{assetdata.ERC721(kitty, big.NewInt(1))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ownerOf")
}

func TestDecodeOrderInfo(t *testing.T) {
	method := contracts.ExchangeABI.Methods["getOrderInfo"]
	hash := common.HexToHash("0xabcdef")
	packed, err := method.Outputs.Pack(contracts.OrderInfoTuple{
		OrderStatus:                 uint8(order.StatusFullyFilled),
		OrderHash:                   hash,
		OrderTakerAssetFilledAmount: big.NewInt(42),
	})
	require.NoError(t, err)
	out, err := method.Outputs.Unpack(packed)
	require.NoError(t, err)

	info, err := decodeOrderInfo(out)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFullyFilled, info.Status)
	assert.Equal(t, hash, info.Hash)
	assert.Equal(t, "42", info.TakerAssetFilledAmount.String())

	_, err = decodeOrderInfo(nil)
	assert.Error(t, err)
}

func TestMatchOrdersRequiresTransactorAsTaker(t *testing.T) {
	signer, err := crypto.FromSeed("relayer")
	require.NoError(t, err)
	client, err := NewExchangeClient(common.HexToAddress("0x48bacb9266a570d521063ef5dd96e61686dbe788"),
		nil, signer, big.NewInt(1337))
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), client.Sender())

	_, err = client.MatchOrders(context.Background(), &order.SignedOrder{}, &order.SignedOrder{}, alice)
	require.ErrorIs(t, err, ErrTakerNotTransactor)
	_, err = client.MarketSellOrders(context.Background(), []*order.SignedOrder{{}}, alice, big.NewInt(1))
	require.ErrorIs(t, err, ErrTakerNotTransactor)
}
