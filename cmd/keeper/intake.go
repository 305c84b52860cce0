package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/lifecycle"
)

// command is one keeper instruction consumed from the commands topic.
type command struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Keeper string `json:"keeper"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
}

// runIntake drives the engine from the kafka commands topic until the
// context is cancelled. Command failures are logged and the offset is
// committed regardless: a rejected command stays rejected on replay.
func runIntake(ctx context.Context, reader *kafka.Reader, engine *lifecycle.Engine, log *zap.Logger) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("fetching command", zap.Error(err))
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			log.Warn("dropping malformed command",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := dispatch(ctx, engine, cmd); err != nil {
			log.Warn("command rejected",
				zap.String("action", cmd.Action),
				zap.String("key", cmd.Key),
				zap.Error(err),
			)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error("committing command offset", zap.Error(err))
		}
	}
}

func dispatch(ctx context.Context, engine *lifecycle.Engine, cmd command) error {
	key := common.HexToHash(cmd.Key)
	keeper := common.HexToAddress(cmd.Keeper)
	caller := common.HexToAddress(cmd.Caller)

	switch cmd.Action {
	case "execute_order":
		return engine.ExecuteOrder(ctx, key, keeper)
	case "execute_deposit":
		_, err := engine.ExecuteDeposit(ctx, key, keeper)
		return err
	case "execute_glv_deposit":
		_, err := engine.ExecuteGlvDeposit(ctx, key, keeper)
		return err
	case "cancel_order":
		return engine.CancelOrder(ctx, key, caller, cmd.Reason)
	case "cancel_deposit":
		return engine.CancelDeposit(ctx, key, caller, cmd.Reason)
	case "cancel_glv_deposit":
		return engine.CancelGlvDeposit(ctx, key, caller, cmd.Reason)
	case "freeze_order":
		return engine.FreezeOrder(ctx, key, cmd.Reason)
	default:
		return fmt.Errorf("unknown command action %q", cmd.Action)
	}
}
