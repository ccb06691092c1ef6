package connsup

import "github.com/dihedron/amqplink/internal/amqperr"

func notConnectedErr() error {
	return amqperr.New(amqperr.KindNotConnected, "connection supervisor: not connected")
}

func transportFailureErr(cause error) error {
	return amqperr.Wrap(amqperr.KindTransportFailure, cause, "connection supervisor: transport failure")
}
