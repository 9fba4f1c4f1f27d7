// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Moments reads moments and posts from a running site.

# Usage

	$ moments [flags...] list
	$ moments [flags...] get <id>
	$ moments [flags...] feed

The list command pages through the moments API, newest first, stopping after
-pages pages or when everything is loaded. A page that fails with a
temporary error (a timeout, rate limiting or a server error) is retried up
to -retries times, waiting -backoff before the first retry and twice as long
before each following one.

The get command prints a single moment. The feed command fetches the RSS
feed of the site and prints its posts.
*/
package main
