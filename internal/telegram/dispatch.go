package telegram

import (
	"encoding/json"
	"sync"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"github.com/alvarorichard/animeworld/internal/bot"
	"github.com/alvarorichard/animeworld/internal/util"
)

// turnData is the ext.Context.Data key holding the update's *bot.Turn
const turnData = "turn"

// dispatcher runs handlers concurrently like ext.Dispatcher, but every
// update takes its sender's place in line before its goroutine starts, so
// one user's actions reach the machine in delivery order.
type dispatcher struct {
	*ext.Dispatcher
	machine *bot.Machine

	limiter chan struct{}
	wg      sync.WaitGroup
}

func newDispatcher(inner *ext.Dispatcher, machine *bot.Machine, maxRoutines int) *dispatcher {
	return &dispatcher{
		Dispatcher: inner,
		machine:    machine,
		limiter:    make(chan struct{}, maxRoutines),
	}
}

// Start handles updates until the channel is closed
func (d *dispatcher) Start(b *gotgbot.Bot, updates <-chan json.RawMessage) {
	for raw := range updates {
		var upd gotgbot.Update
		if err := json.Unmarshal(raw, &upd); err != nil {
			util.Warn("Dropping malformed update", "error", err)
			continue
		}

		// a slot is taken before the turn, so every queued turn has a
		// goroutine that will leave it
		d.limiter <- struct{}{}
		var turn *bot.Turn
		if user := ext.NewContext(b, &upd, nil).EffectiveUser; user != nil {
			turn = d.machine.Arrive(user.Id)
		}

		d.wg.Add(1)
		go func() {
			defer func() {
				<-d.limiter
				d.wg.Done()
			}()
			defer turn.Leave()

			err := d.ProcessUpdate(b, &upd, map[string]interface{}{turnData: turn})
			if err != nil {
				util.Error("Failed to process update", "update", upd.UpdateId, "error", err)
			}
		}()
	}
}

// Stop waits for the running handlers
func (d *dispatcher) Stop() {
	d.wg.Wait()
}
