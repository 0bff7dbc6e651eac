// Package campaign delivers bulk email campaigns through a batch sending API.
//
// A Message carries one subject and body for many recipients. The client
// prepares the content once (links resolved against the authority, inline
// images decoded, plain text inferred from HTML), splits the To list into
// batches of at most 250 recipients and delivers every batch concurrently.
// Per-recipient merge data is attached to each batch so the provider can
// personalize every copy; the "*" wildcard record supplies defaults to every
// recipient that has its own record.
//
// # Basic Usage
//
//	client, err := campaign.New(campaign.DefaultConfig(),
//		campaign.WithMailgun(os.Getenv("MAILGUN_API_KEY")),
//		campaign.WithAuthority("https://news.example.com"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	result, err := client.Send(ctx, &campaign.Message{
//		From:    "news@mg.example.com",
//		To:      subscribers,
//		Subject: "Hello " + client.Placeholder("first_name"),
//		HTML:    html,
//		Provider: campaign.ProviderData{
//			Tags:  []string{"spring"},
//			Merge: merge,
//		},
//	})
//	if err != nil {
//		log.Fatal(err) // nothing was sent
//	}
//	for _, failure := range result.Failed() {
//		log.Printf("batch %d failed: %v", failure.Index, failure.Error)
//	}
//
// Send never retries; failed batches can be retried with Redeliver.
//
// # Supported Providers
//
//   - Mailgun (default)
//   - SendGrid
//   - AWS SES
//   - Generic SMTP
package campaign
