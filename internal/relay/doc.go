// Package relay defines the domain types and collaborator interfaces shared by
// the link relay service.
//
// The service watches group chats for mentions that carry a content-page URL,
// checks the sender's subscription quota, drives a shared headless browser
// session to the page, and replies with the download link that the page
// requests from a content-delivery host. Subscriptions close to expiry receive
// one-shot renewal reminders.
//
// Key pieces:
//   - Plan and Subscription describe what an identity is entitled to per day.
//   - Store and its parts (IdentityStore, SubscriptionStore, UsageStore,
//     ReminderStore) persist identities, subscriptions and usage records.
//   - Messenger abstracts the chat gateway used for replies and reminders.
//   - Queue carries inbound chat events from the webhook to the workers.
package relay
