// Package protocols 门限网络密钥仪式：进程内的一次性执行，以及基于共享目录的分步执行
package protocols

import (
	"context"
	"crypto/ecdsa"

	"FogMPC/pkg/core/coordinator/keys"
	"FogMPC/pkg/core/coordinator/parameters"
	"FogMPC/pkg/core/coordinator/utils"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/core/participant/services"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/fhe"

	"github.com/rs/zerolog/log"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"golang.org/x/xerrors"
)

// Party 仪式中的一个参与方
type Party struct {
	Index  int
	Signer *identity.KeyPair
	Record *threshold.ShareRecord

	gen *services.KeyGenerator
}

// Result 仪式产物
type Result struct {
	Bundle  *threshold.Bundle
	Parties []*Party
}

// Participants 以仪式产物构造进程内参与方
func (r *Result) Participants(ctx *fhe.Context) ([]*threshold.LocalParticipant, error) {
	out := make([]*threshold.LocalParticipant, 0, len(r.Parties))
	for _, p := range r.Parties {
		lp, err := threshold.NewLocalParticipant(ctx, p.Record, p.Signer)
		if err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, nil
}

// inbox 第一轮结束后发给单个参与方的内容
type inbox struct {
	aggregate *utils.RoundOneAggregate
	deals     []utils.SealedDeal
}

// RunCeremony 在进程内执行完整仪式：每个参与方一个协程，调用方协程充当聚合方
func RunCeremony(ctx context.Context, fctx *fhe.Context, ceremonyID string, t, n int) (*Result, error) {
	log.Info().Msgf("开始密钥仪式 %s (t=%d, n=%d)", ceremonyID, t, n)

	crs, err := parameters.NewManager(fctx.BGV, ceremonyID)
	if err != nil {
		return nil, err
	}

	parties := make([]*Party, n)
	recipients := make(map[int]*ecdsa.PublicKey, n)
	for i := range parties {
		signer, err := identity.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		gen, err := services.NewKeyGenerator(fctx, crs, i+1, t, n, signer)
		if err != nil {
			return nil, err
		}
		parties[i] = &Party{Index: i + 1, Signer: signer, gen: gen}
		recipients[i+1] = signer.Public()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	round1 := make(chan *utils.RoundOne, n)
	round2 := make(chan *utils.RoundTwo, n)
	errCh := make(chan error, n)
	inboxes := make(map[int]chan inbox, n)
	for _, p := range parties {
		inboxes[p.Index] = make(chan inbox, 1)
		go func(p *Party) {
			if err := runParty(ctx, p, recipients, round1, inboxes[p.Index], round2); err != nil {
				errCh <- xerrors.Errorf("参与方 %d: %w", p.Index, err)
			}
		}(p)
	}

	km := keys.NewManager(crs, n)
	pk, rlk, err := runCloud(ctx, km, n, round1, round2, inboxes, errCh)
	if err != nil {
		return nil, err
	}

	bundle, err := threshold.NewBundle(ceremonyID, t, n, fctx.BGV, pk, rlk, recipients)
	if err != nil {
		return nil, err
	}
	log.Info().Msgf("密钥仪式 %s 完成", ceremonyID)
	return &Result{Bundle: bundle, Parties: parties}, nil
}

func runParty(ctx context.Context, p *Party, recipients map[int]*ecdsa.PublicKey, round1 chan<- *utils.RoundOne, in <-chan inbox, round2 chan<- *utils.RoundTwo) error {
	// 第一轮
	pkShare, err := p.gen.GenerateKeys()
	if err != nil {
		return err
	}
	rlkShare, err := p.gen.GenerateRelinearizationKeyRound1()
	if err != nil {
		return err
	}
	deals, err := p.gen.Deal(recipients)
	if err != nil {
		return err
	}
	select {
	case round1 <- &utils.RoundOne{ParticipantID: p.Index, PublicKeyShare: pkShare, RelinShare: rlkShare, Deals: deals}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// 第二轮：等待聚合方分发
	var box inbox
	select {
	case box = <-in:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.Record, err = p.gen.Finalize(box.deals); err != nil {
		return err
	}
	rlkShare, err = p.gen.GenerateRelinearizationKeyRound2(box.aggregate.RelinShare)
	if err != nil {
		return err
	}
	select {
	case round2 <- &utils.RoundTwo{ParticipantID: p.Index, RelinShare: rlkShare}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runCloud(ctx context.Context, km *keys.Manager, n int, round1 <-chan *utils.RoundOne, round2 <-chan *utils.RoundTwo, inboxes map[int]chan inbox, errCh <-chan error) (*rlwe.PublicKey, *rlwe.RelinearizationKey, error) {
	byRecipient := make(map[int][]utils.SealedDeal, n)
	for received := 0; received < n; received++ {
		select {
		case m := <-round1:
			if err := km.AddPublicKeyShare(m.ParticipantID, m.PublicKeyShare); err != nil {
				return nil, nil, err
			}
			if err := km.AddRelinearizationKeyShare(m.ParticipantID, 1, m.RelinShare); err != nil {
				return nil, nil, err
			}
			for _, d := range m.Deals {
				byRecipient[d.To] = append(byRecipient[d.To], d)
			}
		case err := <-errCh:
			return nil, nil, err
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	pk, err := km.AggregatePublicKey()
	if err != nil {
		return nil, nil, err
	}
	agg, err := km.AggregateRelinearizationRound1()
	if err != nil {
		return nil, nil, err
	}
	// 广播给所有参与方
	for i, ch := range inboxes {
		ch <- inbox{aggregate: &utils.RoundOneAggregate{RelinShare: agg}, deals: byRecipient[i]}
	}

	for received := 0; received < n; received++ {
		select {
		case m := <-round2:
			if err := km.AddRelinearizationKeyShare(m.ParticipantID, 2, m.RelinShare); err != nil {
				return nil, nil, err
			}
		case err := <-errCh:
			return nil, nil, err
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	rlk, err := km.GenRelinearizationKey()
	if err != nil {
		return nil, nil, err
	}
	return pk, rlk, nil
}
