package signer

import (
	"fmt"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Mode 签名方式
type Mode int

const (
	// ModeRemote 由持有私钥的节点签名
	ModeRemote Mode = iota
	// ModeLocal 使用本地解密的私钥签名后提交原始交易
	ModeLocal
)

// String 返回签名方式名称
func (m Mode) String() string {
	switch m {
	case ModeRemote:
		return "remote"
	case ModeLocal:
		return "local"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Signer 将交易描述转换为提交载荷，每个描述只签名一次
type Signer interface {
	Mode() Mode
	Sign(desc *models.TransactionDescriptor) (*models.Payload, error)
}

// For 为单笔交易选择签名器，本地签名必须提供账户私钥
func For(mode Mode, account *models.KeyedAccount) (Signer, error) {
	switch mode {
	case ModeRemote:
		return RemoteSigner{}, nil
	case ModeLocal:
		if account == nil {
			return nil, errors.Newf(errors.ErrSigning, "本地签名缺少账户私钥")
		}
		return NewLocalSigner(account), nil
	default:
		return nil, errors.Newf(errors.ErrSigning, "未知签名方式: %s", mode)
	}
}

// RemoteSigner 不做任何密码学操作，私钥不离开节点
type RemoteSigner struct{}

// Mode 签名方式
func (RemoteSigner) Mode() Mode {
	return ModeRemote
}

// Sign 返回未签名载荷
func (RemoteSigner) Sign(desc *models.TransactionDescriptor) (*models.Payload, error) {
	if desc == nil {
		return nil, errors.Newf(errors.ErrSigning, "交易描述为空")
	}
	return models.NewUnsignedPayload(desc.Clone()), nil
}

// LocalSigner 本地签名器
type LocalSigner struct {
	account *models.KeyedAccount
}

// NewLocalSigner 创建本地签名器
func NewLocalSigner(account *models.KeyedAccount) *LocalSigner {
	return &LocalSigner{account: account}
}

// Mode 签名方式
func (s *LocalSigner) Mode() Mode {
	return ModeLocal
}

// Sign 使用 EIP-155 签名，输入描述不会被修改
func (s *LocalSigner) Sign(desc *models.TransactionDescriptor) (*models.Payload, error) {
	if desc == nil {
		return nil, errors.Newf(errors.ErrSigning, "交易描述为空")
	}
	if desc.Nonce == nil {
		return nil, errors.Newf(errors.ErrSigning, "本地签名缺少 nonce")
	}
	if desc.ChainID == nil || desc.ChainID.Sign() <= 0 {
		return nil, errors.Newf(errors.ErrSigning, "本地签名缺少 chain id")
	}

	if len(s.account.PrivateKey) != 32 {
		return nil, errors.Newf(errors.ErrSigning, "私钥长度无效: %d 字节", len(s.account.PrivateKey))
	}
	key, err := crypto.ToECDSA(s.account.PrivateKey)
	if err != nil {
		return nil, errors.New(errors.ErrSigning, err, "私钥无效")
	}

	keyAddr := crypto.PubkeyToAddress(key.PublicKey)
	if keyAddr != desc.From {
		return nil, errors.Newf(errors.ErrSigning, "私钥地址 %s 与发送方 %s 不一致", keyAddr.Hex(), desc.From.Hex())
	}

	cp := desc.Clone()
	signed, err := types.SignTx(cp.ToLegacyTx(), types.NewEIP155Signer(cp.ChainID), key)
	if err != nil {
		return nil, errors.New(errors.ErrSigning, err, "交易签名失败")
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.New(errors.ErrSigning, err, "编码已签名交易失败")
	}

	return models.NewSignedPayload(&models.SignedTransaction{
		Raw:        raw,
		Hash:       signed.Hash(),
		Descriptor: cp,
	}), nil
}
