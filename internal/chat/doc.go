// Package chat manages the conversation lifecycle for support chat.
//
// Service is the only component that changes a conversation's status. Its
// core rule is record first, then broadcast: AppendMessage persists the
// message before publishing it on the conversation's relay channel, so a
// message a client sees is always one the store already has.
//
// Closing is monotonic. The first Close flips open to closed and announces
// it with a "conversation_closed" event; any later Close does nothing.
//
// Errors:
//
//   - *ValidationError: input rejected before the store is touched
//   - ErrConversationClosed, ErrNotFound: store sentinels, passed through
//   - *StoreError: any other persistence failure
//   - *TransportError: persisted (or closed) but the broadcast failed
package chat
