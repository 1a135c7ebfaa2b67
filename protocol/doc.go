package protocol

// This package implements the transaction layer of the Message Session Relay
// Protocol (MSRP, RFC 4975).
//
// MSRP moves messages of any size over a reliable byte stream. A message is
// carried by one or more SEND transactions ("chunks"), each of which covers a
// Byte-Range of the message body. Chunks may be interrupted, resumed in a
// later transaction and, in principle, arrive out of order.
//
// - `Scanner` - splits the incoming stream into header blocks, body runs and
//               end-lines, whatever the alignment of socket reads.
// - `Parser` - turns those runs into `Transaction`s, stores SEND bodies in the
//              message's `DataContainer` and emits `Event`s.
// - `Counter` - tracks which body bytes of a message arrived.
// - `Transaction` - one request or response. Outgoing ones generate their own
//                   wire bytes through `NextBytes`.
// - `StreamValidator` - checks outgoing bodies for an accidental end-line.
//
// === Wire format
//
//   ```
//   MSRP <tid> SEND\r\n
//   To-Path: msrp://bob.example.com:2855/9di4ea;tcp\r\n
//   From-Path: msrp://alice.example.com:7777/iau39;tcp\r\n
//   Message-ID: 456\r\n
//   Byte-Range: 1-*/25\r\n
//   Content-Type: text/plain\r\n
//   \r\n
//   Hi, I'm Alice, and Bob!\r\n
//   -------<tid>$\r\n
//   ```
//
// Every transaction ends with an end-line made of seven hyphens, the tid and
// a continuation flag:
//
// - `$` - the last chunk of the message
// - `+` - more chunks follow in later transactions
// - `#` - the message was aborted
//
// Responses carry no body and echo the tid of the request:
//
//   ```
//   MSRP <tid> 200 OK\r\n
//   To-Path: msrp://alice.example.com:7777/iau39;tcp\r\n
//   From-Path: msrp://bob.example.com:2855/9di4ea;tcp\r\n
//   -------<tid>$\r\n
//   ```
//
// === Accidental end-lines
//
// The body of a SEND may happen to contain the end-line of its own
// transaction. The writer watches for that with a StreamValidator and, when
// it happens, interrupts the transaction right before the flag byte and
// continues the message in a new transaction with a different tid.
//
