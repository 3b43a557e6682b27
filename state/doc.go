/*
Package state contains the value types that describe one exchange of bitcoin
against fiat between a buyer and a seller.

An exchange moves through two phases:
- Handshake: each participant builds a refund for its own deposit and asks
the counterpart to sign it. Only once the refund carries a valid counterpart
signature is the deposit committed.
- Channel: the deposits are spent by a sequence of offers, one per step plus
a terminal offer, each paying the buyer more than the last.

	+-----------+                      +-----------+
	|   Buyer   |                      |  Seller   |
	+-----+-----+                      +-----+-----+
	      |      StepSignatures(k)           |
	      +<---------------------------------+
	   Validate                              |
	     Pay                                 |
	      |      PaymentProof(k)             |
	      +--------------------------------->+
	      |      StepSignatures(k)           |
	      +--------------------------------->+
	      |                              Validate
	      |          ... k+1 ...             |

Handshake and Parameters are immutable values: operations that change them
return a new value. Channel only holds immutable data and is safe for
concurrent use.
*/
package state
