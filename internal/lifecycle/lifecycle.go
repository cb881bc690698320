// Package lifecycle описывает машину состояний заявки и проверку допустимых переходов.
package lifecycle

import (
	"errors"

	"github.com/mmeshcher/dispatch-system/internal/model"
)

// ErrInvalidTransition возвращается при попытке перехода, отсутствующего в таблице переходов.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyFinalized возвращается при попытке перехода из конечного статуса.
	ErrAlreadyFinalized = errors.New("booking already finalized")
	// ErrWrongActor возвращается, если переход запрашивает не тот участник.
	ErrWrongActor = errors.New("actor not allowed to request transition")
)

// Actor описывает роль участника, запрашивающего переход.
type Actor string

const (
	ActorDispatcher Actor = "dispatcher"
	ActorExpert     Actor = "expert"
	ActorCustomer   Actor = "customer"
)

// Event описывает событие жизненного цикла заявки.
type Event string

const (
	EventAssign   Event = "assign"
	EventAccept   Event = "accept"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

type edge struct {
	from   model.BookingStatus
	to     model.BookingStatus
	actors []Actor
}

// Таблица переходов. Отмена не входит в таблицу: она допустима из любого неконечного статуса.
var edges = map[Event]edge{
	EventAssign:   {from: model.BookingStatusPending, to: model.BookingStatusAssigned, actors: []Actor{ActorDispatcher}},
	EventAccept:   {from: model.BookingStatusAssigned, to: model.BookingStatusAccepted, actors: []Actor{ActorExpert}},
	EventStart:    {from: model.BookingStatusAccepted, to: model.BookingStatusInProgress, actors: []Actor{ActorExpert}},
	EventComplete: {from: model.BookingStatusInProgress, to: model.BookingStatusCompleted, actors: []Actor{ActorExpert}},
}

// Next возвращает целевой статус для события event из статуса current, если переход
// допустим для участника actor. Конечные статусы не допускают исходящих переходов.
func Next(current model.BookingStatus, event Event, actor Actor) (model.BookingStatus, error) {
	if current.IsTerminal() {
		return "", ErrAlreadyFinalized
	}

	if event == EventCancel {
		if actor != ActorDispatcher && actor != ActorCustomer {
			return "", ErrWrongActor
		}
		return model.BookingStatusCancelled, nil
	}

	e, ok := edges[event]
	if !ok {
		return "", ErrInvalidTransition
	}

	if e.from != current {
		return "", ErrInvalidTransition
	}

	allowed := false
	for _, a := range e.actors {
		if a == actor {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", ErrWrongActor
	}

	return e.to, nil
}

// CanTransition сообщает, допустим ли прямой переход from -> to каким-либо событием.
func CanTransition(from, to model.BookingStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == model.BookingStatusCancelled {
		return true
	}
	for _, e := range edges {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}
