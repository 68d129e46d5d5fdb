// Package contracts defines the JSON envelope exchanged between services.
//
// Every message body is an Envelope. Requests carry a request block whose
// id is echoed back in the reply; replies add a reply block naming the
// instance that answered. The payload in Data is opaque to the transport.
//
// Application-level failures travel as ordinary replies whose data holds
// an "error" field (see ErrorPayload); they are not transport errors.
package contracts
