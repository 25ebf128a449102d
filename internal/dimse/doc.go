// Package dimse implements the DICOM upper layer protocol (PS3.8) and the
// DIMSE command encoding (PS3.7) needed to receive and send composite
// objects: association negotiation, P-DATA-TF fragmentation and reassembly,
// C-ECHO, and C-STORE.
//
// Accept negotiates the acceptor side of an association; Request dials a
// peer as requestor. Both yield an Association that exchanges whole DIMSE
// messages.
package dimse
